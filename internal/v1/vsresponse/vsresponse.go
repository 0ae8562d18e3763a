// Package vsresponse is the other half of the voice bus contract: it
// takes every envelope the voice server publishes back and turns it into
// the same BasicResponse frames clients everywhere else in this core
// receive, using roomhandler's existing local-delivery and fan-out paths.
package vsresponse

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/collab-audio/roomcore/internal/v1/roomhandler"
	"github.com/collab-audio/roomcore/internal/v1/types"
	"go.uber.org/zap"
)

// Handler dispatches inbound voice-server responses to the room handler's
// delivery paths.
type Handler struct {
	room *roomhandler.Handler
	log  *zap.Logger
}

func New(room *roomhandler.Handler, log *zap.Logger) *Handler {
	return &Handler{room: room, log: log}
}

// roomScopedOp carries the opcodes whose room-facing notification differs
// from the opcode the joining/leaving/promoted user themselves receives
// (spec §4.6's mapping table).
var roomScopedOp = map[string]string{
	"you_left_room":         "user_left_room",
	"you-joined-as-speaker": "new_user_joined",
	"you-joined-as-peer":    "new_user_joined",
	"you-are-now-a-speaker": "new_speaker",
}

// Handle dispatches one voice-server response. resp.Uid set means the
// message targets a user (and, for the ops in roomScopedOp, also their
// room); resp.Uid empty means the message is room-scoped via resp.Rid.
func (h *Handler) Handle(ctx context.Context, resp types.VoiceServerResponse) {
	if resp.Uid != "" {
		h.handleUserTargeted(ctx, resp)
		return
	}
	h.handleRoomTargeted(ctx, resp)
}

func (h *Handler) handleUserTargeted(ctx context.Context, resp types.VoiceServerResponse) {
	userId, err := strconv.ParseInt(resp.Uid, 10, 32)
	if err != nil {
		h.log.Warn("vsresponse: malformed uid", zap.String("uid", resp.Uid), zap.Error(err))
		return
	}

	userResp := types.BasicResponse{ResponseOpCode: resp.Op, ResponseContainingData: string(resp.D)}
	h.room.SendToUser(ctx, int32(userId), userResp)

	roomOp, ok := roomScopedOp[resp.Op]
	if !ok {
		// private response (credentials, recv tracks, transport acks) — the
		// user alone sees it.
		return
	}

	roomId, ok := extractRoomId(resp.D)
	if !ok {
		h.log.Warn("vsresponse: missing roomId in payload", zap.String("op", resp.Op))
		return
	}
	roomResp := types.NewResponse(roomOp, strconv.FormatInt(userId, 10))
	h.room.BroadcastToRoom(ctx, roomId, int32(userId), roomResp)
}

func (h *Handler) handleRoomTargeted(ctx context.Context, resp types.VoiceServerResponse) {
	roomId, err := strconv.ParseInt(resp.Rid, 10, 32)
	if err != nil {
		h.log.Warn("vsresponse: malformed rid", zap.String("rid", resp.Rid), zap.Error(err))
		return
	}
	roomResp := types.BasicResponse{ResponseOpCode: resp.Op, ResponseContainingData: string(resp.D)}
	h.room.BroadcastToRoom(ctx, int32(roomId), 0, roomResp)
}

// extractRoomId pulls a "roomId" field out of an arbitrary JSON payload
// without requiring callers to know the concrete shape of d. The voice bus
// convention is string ids (see the fmt.Sprint calls in roomhandler's bus
// publishes), but a
// bare JSON number is accepted too.
func extractRoomId(d json.RawMessage) (int32, bool) {
	var probe struct {
		RoomId flexibleInt `json:"roomId"`
	}
	if err := json.Unmarshal(d, &probe); err != nil {
		return 0, false
	}
	return int32(probe.RoomId), probe.RoomId != 0
}

// flexibleInt unmarshals a JSON field that may arrive as either a string
// or a bare number.
type flexibleInt int64

func (f *flexibleInt) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = flexibleInt(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleInt(n)
	return nil
}
