// Package router is the single dispatch point from a raw inbound client
// frame to the request handler method for its opcode. It owns only the
// opcode table (parse the envelope, match request_op_code, call the
// matching reqhandler method) — every other decision lives downstream.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/collab-audio/roomcore/internal/v1/metrics"
	"github.com/collab-audio/roomcore/internal/v1/reqhandler"
	"github.com/collab-audio/roomcore/internal/v1/types"
	"go.uber.org/zap"
)

// Router owns the opcode table; it is otherwise stateless.
type Router struct {
	req *reqhandler.Handler
	log *zap.Logger
}

func New(req *reqhandler.Handler, log *zap.Logger) *Router {
	return &Router{req: req, log: log}
}

// Route parses msg as a BasicRequest and dispatches on its opcode,
// returning the response frame to send back to requesterId. Unknown
// opcodes and malformed envelopes both produce invalid_request, matching
// the reference router's default match arm.
func (r *Router) Route(ctx context.Context, requesterId int32, msg []byte) types.BasicResponse {
	var req types.BasicRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return types.InvalidRequest()
	}

	start := time.Now()
	resp := r.dispatch(ctx, requesterId, req)
	metrics.MessageProcessingDuration.WithLabelValues(req.RequestOpCode).Observe(time.Since(start).Seconds())
	status := "ok"
	if resp.ResponseOpCode == "invalid_request" {
		status = "error"
	}
	metrics.WebsocketEvents.WithLabelValues(req.RequestOpCode, status).Inc()
	return resp
}

func (r *Router) dispatch(ctx context.Context, requesterId int32, req types.BasicRequest) types.BasicResponse {
	payload := req.RequestContainingData
	switch req.RequestOpCode {
	case "create_room":
		return r.req.CreateRoom(ctx, requesterId, payload)
	case "@connect-transport":
		return r.req.ConnectTransport(ctx, requesterId, payload)
	case "@send-track":
		return r.req.SendTrack(ctx, requesterId, payload)
	case "@get-recv-tracks":
		return r.req.GetRecvTracks(ctx, requesterId, payload)
	case "add_speaker":
		return r.req.AddSpeaker(ctx, requesterId, payload)
	case "remove_speaker":
		return r.req.RemoveSpeaker(ctx, requesterId, payload)
	case "block_user_from_room":
		return r.req.BlockUserFromRoom(ctx, requesterId, payload)
	case "get_followers":
		return r.req.GetFollowers(requesterId, payload)
	case "get_following":
		return r.req.GetFollowing(requesterId, payload)
	case "join-as-speaker":
		return r.req.JoinAsSpeaker(ctx, requesterId, payload)
	case "join-as-new-peer":
		return r.req.JoinAsNewPeer(ctx, requesterId, payload)
	case "get_top_rooms":
		return r.req.GetTopRooms(requesterId, payload)
	case "raise_hand":
		return r.req.RaiseHand(ctx, requesterId, payload)
	case "lower_hand":
		return r.req.LowerHand(ctx, requesterId, payload)
	case "gather_all_users_in_room":
		return r.req.GatherAllUsersInRoom(requesterId, payload)
	case "follow_user":
		return r.req.FollowUser(requesterId, payload)
	case "unfollow_user":
		return r.req.UnfollowUser(requesterId, payload)
	case "block_user":
		return r.req.BlockUser(requesterId, payload)
	case "unblock_user":
		return r.req.UnblockUser(requesterId, payload)
	case "leave_room":
		return r.req.LeaveRoom(ctx, requesterId, payload)
	case "update_room_meta":
		return r.req.UpdateRoomMeta(ctx, requesterId, payload)
	case "update_deaf_and_mute":
		return r.req.UpdateDeafAndMute(ctx, requesterId, payload)
	case "all_room_permissions":
		return r.req.AllRoomPermissions(requesterId, payload)
	case "send_chat_msg":
		return r.req.SendChatMsg(ctx, requesterId, payload)
	case "my_data":
		return r.req.MyData(requesterId, payload)
	case "single_user_data":
		return r.req.SingleUserData(requesterId, payload)
	case "initial_room_data":
		return r.req.InitialRoomData(requesterId, payload)
	case "user_previews":
		return r.req.UserPreviews(requesterId, payload)
	case "join_type":
		return r.req.JoinType(requesterId, payload)
	case "change_user_mod_status":
		return r.req.ChangeUserModStatus(ctx, requesterId, payload)
	case "give_owner":
		return r.req.GiveOwner(ctx, requesterId, payload)
	case "update_user_data":
		return r.req.UpdateUserData(requesterId, payload)
	case "single_user_permissions":
		return r.req.SingleUserPermissions(requesterId, payload)
	case "get_room_blocked":
		return r.req.GetRoomBlocked(requesterId, payload)
	case "unblock_user_from_room":
		return r.req.UnblockUserFromRoom(ctx, requesterId, payload)
	default:
		r.log.Warn("router: unknown opcode", zap.String("opCode", req.RequestOpCode))
		return types.InvalidRequest()
	}
}
