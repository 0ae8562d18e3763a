// Package reqhandler sits between the router and the room handler: it owns
// every pre-check that is about the *request* rather than the room state
// machine itself — does the requester exist, does the room exist, is the
// requester (and any referenced peer) actually a member of it — and only
// then unmarshals the payload and calls through to roomhandler. A request
// that fails any pre-check never reaches roomhandler at all; it gets
// invalid_request back immediately.
package reqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collab-audio/roomcore/internal/v1/fetch"
	"github.com/collab-audio/roomcore/internal/v1/roomhandler"
	"github.com/collab-audio/roomcore/internal/v1/roomstate"
	"github.com/collab-audio/roomcore/internal/v1/types"
	"github.com/collab-audio/roomcore/internal/v1/voicebus"
	"go.uber.org/zap"
)

type Handler struct {
	state *roomstate.ServerState
	fetch *fetch.Fetcher
	room  *roomhandler.Handler
	bus   *voicebus.Bus
	log   *zap.Logger
}

func New(state *roomstate.ServerState, f *fetch.Fetcher, room *roomhandler.Handler, bus *voicebus.Bus, log *zap.Logger) *Handler {
	return &Handler{state: state, fetch: f, room: room, bus: bus, log: log}
}

// parsePayload unmarshals the embedded request_containing_data string into
// v, reporting false on any malformed payload.
func parsePayload(payload string, v any) bool {
	return json.Unmarshal([]byte(payload), v) == nil
}

// requesterActive reports whether requesterId is a currently connected user.
func (h *Handler) requesterActive(requesterId int32) bool {
	_, ok := h.state.ActiveUser(requesterId)
	return ok
}

// roomExists reports whether roomId is currently live in memory.
func (h *Handler) roomExists(roomId int32) bool {
	_, _, ok := h.state.Room(roomId)
	return ok
}

// bothInRoom reports whether roomId exists and both a and b are members of it.
func (h *Handler) bothInRoom(roomId, a, b int32) bool {
	room, lock, ok := h.state.Room(roomId)
	if !ok {
		return false
	}
	lock.RLock()
	defer lock.RUnlock()
	_, aIn := room.UserIds[a]
	_, bIn := room.UserIds[b]
	return aIn && bIn
}

// requesterInRoom reports whether roomId exists and requesterId is a member.
func (h *Handler) requesterInRoom(roomId, requesterId int32) bool {
	room, lock, ok := h.state.Room(roomId)
	if !ok {
		return false
	}
	lock.RLock()
	defer lock.RUnlock()
	_, in := room.UserIds[requesterId]
	return in
}

// CreateRoom requires the requester to be active; roomhandler.CreateRoom
// rejects a requester who is already in a room.
func (h *Handler) CreateRoom(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	if !h.requesterActive(requesterId) {
		return types.InvalidRequest()
	}
	var data types.BasicRoomCreation
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	return h.room.CreateRoom(ctx, requesterId, data.Name, data.Desc, data.Public)
}

// joinRoom is shared by join-as-speaker and join-as-new-peer: peerId in the
// payload must equal the requester (the client cannot join on another
// user's behalf).
func (h *Handler) joinRoom(ctx context.Context, requesterId int32, payload, opCode string) types.BasicResponse {
	if !h.requesterActive(requesterId) {
		return types.InvalidRequest()
	}
	var data types.GenericRoomIdAndPeerId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if int32(data.PeerId) != requesterId {
		return types.InvalidRequest()
	}
	if !h.roomExists(int32(data.RoomId)) {
		return types.InvalidRequest()
	}
	return h.room.JoinRoom(ctx, requesterId, int32(data.RoomId), opCode)
}

func (h *Handler) JoinAsSpeaker(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	return h.joinRoom(ctx, requesterId, payload, "join-as-speaker")
}

func (h *Handler) JoinAsNewPeer(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	return h.joinRoom(ctx, requesterId, payload, "join-as-new-peer")
}

// webRTCRequest forwards connect-transport/send-track/get-recv-tracks
// straight to the voice bus once the requester is confirmed to be the peer
// named in the payload and a member of the named room; these never touch
// room state or the store.
func (h *Handler) webRTCRequest(ctx context.Context, requesterId int32, payload, op string) types.BasicResponse {
	var data types.GenericRoomIdAndPeerId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if int32(data.PeerId) != requesterId || !h.requesterInRoom(int32(data.RoomId), requesterId) {
		return types.InvalidRequest()
	}
	if err := h.bus.Publish(ctx, op, data, fmt.Sprint(requesterId)); err != nil {
		h.log.Warn("reqhandler: failed to forward webrtc request", zap.String("op", op), zap.Error(err))
		return types.InvalidRequest()
	}
	return types.NewResponse(op, data)
}

func (h *Handler) ConnectTransport(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	return h.webRTCRequest(ctx, requesterId, payload, "@connect-transport")
}

func (h *Handler) SendTrack(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	return h.webRTCRequest(ctx, requesterId, payload, "@send-track")
}

func (h *Handler) GetRecvTracks(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	return h.webRTCRequest(ctx, requesterId, payload, "@get-recv-tracks")
}

// AddSpeaker requires the room to exist and both requester and target to be members.
func (h *Handler) AddSpeaker(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomIdAndPeerId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.bothInRoom(int32(data.RoomId), requesterId, int32(data.PeerId)) {
		return types.InvalidRequest()
	}
	return h.room.AddSpeaker(ctx, requesterId, int32(data.PeerId), int32(data.RoomId))
}

func (h *Handler) RemoveSpeaker(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomIdAndPeerId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.bothInRoom(int32(data.RoomId), requesterId, int32(data.PeerId)) {
		return types.InvalidRequest()
	}
	return h.room.RemoveSpeaker(ctx, requesterId, int32(data.PeerId), int32(data.RoomId))
}

// BlockUserFromRoom requires the room to exist and both ids to be members;
// the owner/mod check itself is the room handler's responsibility.
func (h *Handler) BlockUserFromRoom(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.BlockUserFromRoom
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.bothInRoom(int32(data.RoomId), requesterId, int32(data.UserId)) {
		return types.InvalidRequest()
	}
	result := h.room.BlockUserFromRoom(ctx, requesterId, int32(data.UserId), int32(data.RoomId))
	if result.EncounteredError {
		return types.NewResponse("invalid_request", result.Desc)
	}
	return types.NewResponse("user_blocked_from_room", fmt.Sprint(data.UserId))
}

func (h *Handler) UnblockUserFromRoom(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.BlockUserFromRoom
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.roomExists(int32(data.RoomId)) {
		return types.InvalidRequest()
	}
	result := h.room.UnblockUserFromRoom(ctx, requesterId, int32(data.UserId), int32(data.RoomId))
	if result.EncounteredError {
		return types.NewResponse("invalid_request", result.Desc)
	}
	return types.NewResponse("user_unblocked_from_room", fmt.Sprint(data.UserId))
}

func (h *Handler) GetRoomBlocked(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.roomExists(int32(data.RoomId)) {
		return types.InvalidRequest()
	}
	result, users := h.room.GetRoomBlocked(requesterId, int32(data.RoomId))
	if result.EncounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("room_blocked_users", users)
}

func (h *Handler) GetFollowers(requesterId int32, payload string) types.BasicResponse {
	var data types.GetFollowList
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	encounteredError, users := h.room.GetFollowers(requesterId, int32(data.UserId))
	if encounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("followers_list", users)
}

func (h *Handler) GetFollowing(requesterId int32, payload string) types.BasicResponse {
	var data types.GetFollowList
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	encounteredError, users := h.room.GetFollowing(requesterId, int32(data.UserId))
	if encounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("following_list", users)
}

func (h *Handler) GetTopRooms(requesterId int32, payload string) types.BasicResponse {
	return types.NewResponse("top_rooms", h.room.GetTopRooms())
}

func (h *Handler) RaiseHand(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.requesterInRoom(int32(data.RoomId), requesterId) {
		return types.InvalidRequest()
	}
	h.room.RaiseHand(ctx, requesterId, int32(data.RoomId))
	return types.NewResponse("hand_raised", fmt.Sprint(requesterId))
}

// LowerHand's payload names the target, which may be the requester
// themselves (self-lower) or, if the requester is a mod, anyone else; the
// room handler enforces which.
func (h *Handler) LowerHand(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomIdAndPeerId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.bothInRoom(int32(data.RoomId), requesterId, int32(data.PeerId)) {
		return types.InvalidRequest()
	}
	h.room.LowerHand(ctx, requesterId, int32(data.PeerId), int32(data.RoomId))
	return types.NewResponse("hand_lowered", fmt.Sprint(data.PeerId))
}

func (h *Handler) GatherAllUsersInRoom(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.requesterInRoom(int32(data.RoomId), requesterId) {
		return types.InvalidRequest()
	}
	encounteredError, users := h.room.GatherAllUsersInRoom(requesterId, int32(data.RoomId))
	if encounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("all_users_for_room", types.AllUsersInRoomResponse{RoomId: data.RoomId, Users: users})
}

func (h *Handler) FollowUser(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericUserId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	return h.room.FollowUser(requesterId, int32(data.UserId))
}

func (h *Handler) UnfollowUser(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericUserId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	return h.room.UnfollowUser(requesterId, int32(data.UserId))
}

func (h *Handler) BlockUser(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericUserId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	return h.room.BlockUser(requesterId, int32(data.UserId))
}

func (h *Handler) UnblockUser(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericUserId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	return h.room.UnblockUser(requesterId, int32(data.UserId))
}

func (h *Handler) LeaveRoom(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.requesterInRoom(int32(data.RoomId), requesterId) {
		return types.InvalidRequest()
	}
	h.room.LeaveRoom(ctx, requesterId, int32(data.RoomId))
	return types.NewResponse("you_left_room", fmt.Sprint(data.RoomId))
}

// UpdateRoomMeta's payload carries the room id and the new values together;
// roomhandler itself checks that the requester is a mod.
func (h *Handler) UpdateRoomMeta(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data struct {
		types.GenericRoomId
		types.RoomUpdate
	}
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.requesterInRoom(int32(data.RoomId), requesterId) {
		return types.InvalidRequest()
	}
	return h.room.UpdateRoomMeta(ctx, requesterId, int32(data.RoomId), data.RoomUpdate)
}

func (h *Handler) UpdateDeafAndMute(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.DeafAndMuteStatus
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.requesterActive(requesterId) {
		return types.InvalidRequest()
	}
	return h.room.UpdateDeafAndMute(ctx, requesterId, data)
}

func (h *Handler) AllRoomPermissions(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.requesterInRoom(int32(data.RoomId), requesterId) {
		return types.InvalidRequest()
	}
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(int32(data.RoomId))
	if encounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("all_room_permissions", perms)
}

func (h *Handler) SendChatMsg(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	if !h.requesterActive(requesterId) {
		return types.InvalidRequest()
	}
	return h.room.SendChatMessage(ctx, requesterId, payload)
}

func (h *Handler) MyData(requesterId int32, payload string) types.BasicResponse {
	encounteredError, user := h.room.MyData(requesterId)
	if encounteredError || user == nil {
		return types.InvalidRequest()
	}
	return types.NewResponse("my_data", user)
}

func (h *Handler) SingleUserData(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericUserId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	encounteredError, user := h.room.SingleUserData(requesterId, int32(data.UserId))
	if encounteredError || user == nil {
		return types.InvalidRequest()
	}
	return types.NewResponse("single_user_data", types.SingleUserDataResults{UserId: data.UserId, Data: *user})
}

func (h *Handler) InitialRoomData(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.requesterInRoom(int32(data.RoomId), requesterId) {
		return types.InvalidRequest()
	}
	encounteredError, room, perms := h.room.GetInitialRoomData(requesterId, int32(data.RoomId))
	if encounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("initial_room_data", struct {
		Room        *types.CommunicationRoom `json:"room"`
		Permissions *types.RoomPermissions   `json:"permissions"`
	}{room, perms})
}

func (h *Handler) UserPreviews(requesterId int32, payload string) types.BasicResponse {
	var data struct {
		UserIds []int `json:"user_ids"`
	}
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	ids := make([]int32, len(data.UserIds))
	for i, id := range data.UserIds {
		ids[i] = int32(id)
	}
	encounteredError, previews := h.room.UserPreviews(ids)
	if encounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("user_previews", previews)
}

func (h *Handler) JoinType(requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.roomExists(int32(data.RoomId)) {
		return types.InvalidRequest()
	}
	encounteredError, info := h.room.GetJoinType(requesterId, int32(data.RoomId))
	if encounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("join_type", info)
}

func (h *Handler) ChangeUserModStatus(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomIdAndPeerId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.bothInRoom(int32(data.RoomId), requesterId, int32(data.PeerId)) {
		return types.InvalidRequest()
	}
	return h.room.ChangeUserModStatus(ctx, requesterId, int32(data.PeerId), int32(data.RoomId))
}

func (h *Handler) GiveOwner(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	var data types.GenericRoomIdAndPeerId
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.bothInRoom(int32(data.RoomId), requesterId, int32(data.PeerId)) {
		return types.InvalidRequest()
	}
	return h.room.GiveOwner(ctx, requesterId, int32(data.PeerId), int32(data.RoomId))
}

func (h *Handler) UpdateUserData(requesterId int32, payload string) types.BasicResponse {
	var data types.UpdateUserDataRequest
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	if !h.requesterActive(requesterId) {
		return types.InvalidRequest()
	}
	return h.room.UpdateUserData(requesterId, data)
}

func (h *Handler) SingleUserPermissions(requesterId int32, payload string) types.BasicResponse {
	var data struct {
		types.GenericRoomId
		types.GenericUserId
	}
	if !parsePayload(payload, &data) {
		return types.InvalidRequest()
	}
	encounteredError, perms := h.room.SingleUserPermissions(int32(data.UserId), int32(data.RoomId))
	if encounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("single_user_permissions", types.SingleUserPermissionResults{UserId: data.UserId, Data: perms})
}
