// Package roomhandler is the room state machine: the single place where a
// request that changes room membership, permissions, or ownership is
// turned into a store write, a state mutation, a voice-bus publish, and a
// fan-out notification, in that order. Every exported method assumes its
// caller (the request handler) has already resolved opcodes and decoded
// payloads; roomhandler only ever sees typed arguments.
package roomhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/collab-audio/roomcore/internal/v1/capture"
	"github.com/collab-audio/roomcore/internal/v1/fanout"
	"github.com/collab-audio/roomcore/internal/v1/fetch"
	"github.com/collab-audio/roomcore/internal/v1/metrics"
	"github.com/collab-audio/roomcore/internal/v1/roomstate"
	"github.com/collab-audio/roomcore/internal/v1/store"
	"github.com/collab-audio/roomcore/internal/v1/types"
	"github.com/collab-audio/roomcore/internal/v1/voicebus"
	"go.uber.org/zap"
)

type Handler struct {
	state   *roomstate.ServerState
	store   *store.Gateway
	capture *capture.Capturer
	fetch   *fetch.Fetcher
	bus     *voicebus.Bus
	fan     *fanout.Service
	log     *zap.Logger
}

func New(state *roomstate.ServerState, g *store.Gateway, bus *voicebus.Bus, fan *fanout.Service, log *zap.Logger) *Handler {
	return &Handler{
		state:   state,
		store:   g,
		capture: capture.New(g),
		fetch:   fetch.New(g),
		bus:     bus,
		fan:     fan,
		log:     log,
	}
}

// SendToUser delivers msg to userId's local peer, if connected, and
// republishes onto the cross-process user channel.
func (h *Handler) SendToUser(ctx context.Context, userId int32, resp types.BasicResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		h.log.Error("roomhandler: failed to marshal response", zap.Error(err))
		return
	}
	if ch, ok := h.state.Peer(userId); ok {
		select {
		case ch <- body:
		default:
			h.log.Warn("roomhandler: peer channel full, dropping message", zap.Int32("userId", userId))
		}
	}
	if err := h.fan.PublishToUser(ctx, userId, resp); err != nil {
		h.log.Warn("roomhandler: failed to republish to user", zap.Error(err))
	}
}

// BroadcastToRoom delivers msg to every local member of roomId (optionally
// excluding one), and republishes onto the cross-process room channel.
func (h *Handler) BroadcastToRoom(ctx context.Context, roomId int32, excludeUserId int32, resp types.BasicResponse) {
	room, lock, ok := h.state.Room(roomId)
	if !ok {
		return
	}
	lock.RLock()
	memberIds := make([]int32, 0, len(room.UserIds))
	for id := range room.UserIds {
		memberIds = append(memberIds, id)
	}
	lock.RUnlock()

	body, err := json.Marshal(resp)
	if err != nil {
		h.log.Error("roomhandler: failed to marshal broadcast", zap.Error(err))
		return
	}
	for _, id := range memberIds {
		if id == excludeUserId {
			continue
		}
		if ch, ok := h.state.Peer(id); ok {
			select {
			case ch <- body:
			default:
				h.log.Warn("roomhandler: peer channel full, dropping broadcast", zap.Int32("userId", id))
			}
		}
	}
	if err := h.fan.PublishToRoom(ctx, roomId, excludeUserId, resp); err != nil {
		h.log.Warn("roomhandler: failed to republish to room", zap.Error(err))
	}
}

// CreateRoom inserts a new room and announces it to the voice server. The
// creator joins separately via JoinRoom once this returns.
func (h *Handler) CreateRoom(ctx context.Context, requesterId int32, name, desc string, public bool) types.BasicResponse {
	user, ok := h.state.ActiveUser(requesterId)
	if !ok || user.CurrentRoomId != -1 {
		return types.InvalidRequest()
	}

	roomId, err := h.capture.NewRoom(store.Room{OwnerId: requesterId, ChatMode: "fast"})
	if err != nil || roomId == -1 {
		return types.NewResponse("issue_creating_room", "")
	}

	room, _ := h.state.GetOrCreateRoom(roomId)
	room.Name = name
	room.Desc = desc
	room.Public = public
	room.AutoSpeaker = true
	room.ChatThrottle = 1000
	room.CreatedAt = time.Now().UTC().Format(time.RFC3339)

	if err := h.bus.Publish(ctx, "create-room", map[string]any{"roomId": fmt.Sprint(roomId)}, fmt.Sprint(requesterId)); err != nil {
		h.log.Warn("roomhandler: failed to publish create-room", zap.Error(err))
	}
	metrics.ActiveRooms.Inc()
	return types.NewResponse("room_created", types.GenericRoomId{RoomId: int(roomId)})
}

// DestroyRoom removes roomId from state and the store and tells the voice
// server to tear it down.
func (h *Handler) DestroyRoom(ctx context.Context, roomId int32) {
	if _, err := h.capture.RemoveRoom(roomId); err != nil {
		h.log.Warn("roomhandler: failed to remove room from store", zap.Error(err))
	}
	h.state.RemoveRoom(roomId)
	if err := h.bus.Publish(ctx, "destroy-room", map[string]any{"roomId": fmt.Sprint(roomId)}, "-1"); err != nil {
		h.log.Warn("roomhandler: failed to publish destroy-room", zap.Error(err))
	}
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(fmt.Sprint(roomId))
}

// JoinRoom handles both join-as-speaker and join-as-new-peer. typeOfJoin is
// the opcode itself, forwarded to the voice server unchanged.
func (h *Handler) JoinRoom(ctx context.Context, requesterId, roomId int32, typeOfJoin string) types.BasicResponse {
	room, roomLock, ok := h.state.Room(roomId)
	if !ok {
		return types.InvalidRequest()
	}
	user, ok := h.state.ActiveUser(requesterId)
	if !ok || user.CurrentRoomId != -1 {
		return types.InvalidRequest()
	}

	roomLock.Lock()
	if !room.Public {
		roomLock.Unlock()
		return types.InvalidRequest()
	}
	roomLock.Unlock()

	encounteredError, blocked := h.fetch.GetBlockedUserIdsForRoom(roomId)
	if encounteredError {
		return types.InvalidRequest()
	}
	if _, isBlocked := blocked[requesterId]; isBlocked {
		return types.InvalidRequest()
	}

	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return types.InvalidRequest()
	}

	if rejected := h.checkOrInsertInitialPermissions(room, roomId, requesterId, typeOfJoin, perms); rejected {
		return types.NewResponse("issue_joining_room", fmt.Sprint(requesterId))
	}

	q, hasQueue := h.state.OwnerQueue(roomId)

	roomLock.Lock()
	room.UserIds[requesterId] = struct{}{}
	if hasQueue {
		q.InsertNewUser(requesterId)
	}
	memberCount := len(room.UserIds)
	roomLock.Unlock()

	metrics.RoomParticipants.WithLabelValues(fmt.Sprint(roomId)).Set(float64(memberCount))

	user.CurrentRoomId = roomId

	if err := h.bus.Publish(ctx, typeOfJoin, types.GenericRoomIdAndPeerId{RoomId: int(roomId), PeerId: int(requesterId)}, fmt.Sprint(requesterId)); err != nil {
		h.log.Warn("roomhandler: failed to publish join", zap.Error(err))
	}

	return types.NewResponse(typeOfJoin, types.GenericRoomIdAndPeerId{RoomId: int(roomId), PeerId: int(requesterId)})
}

// checkOrInsertInitialPermissions implements the join permission matrix
// from the room state machine: returning false means the join is
// accepted, true means it must be rejected (matching the reference's
// EncounteredError-style boolean).
func (h *Handler) checkOrInsertInitialPermissions(room *roomstate.Room, roomId, userId int32, typeOfJoin string, existing map[int32]types.RoomPermissions) bool {
	wantSpeaker := typeOfJoin == "join-as-speaker"

	if p, ok := existing[userId]; ok {
		if wantSpeaker && !(p.IsSpeaker || room.AutoSpeaker) {
			return true
		}
		return false
	}

	var perm store.RoomPermission
	switch {
	case len(room.UserIds) == 0:
		perm = store.RoomPermission{UserId: userId, RoomId: roomId, IsMod: true, IsSpeaker: true}
	case wantSpeaker && room.AutoSpeaker:
		perm = store.RoomPermission{UserId: userId, RoomId: roomId, IsSpeaker: true}
	case wantSpeaker:
		return true
	default:
		perm = store.RoomPermission{UserId: userId, RoomId: roomId}
	}

	if err := h.store.InsertRoomPermission(perm); err != nil {
		h.log.Warn("roomhandler: failed to insert initial permissions", zap.Error(err))
		return true
	}
	return false
}

// LeaveRoom removes requesterId from roomId, destroying the room if it's
// now empty or, if the leaver was the owner, handing off ownership.
func (h *Handler) LeaveRoom(ctx context.Context, requesterId, roomId int32) {
	user, ok := h.state.ActiveUser(requesterId)
	if !ok || user.CurrentRoomId != roomId {
		return
	}

	room, roomLock, ok := h.state.Room(roomId)
	if !ok {
		return
	}

	roomLock.Lock()
	delete(room.UserIds, requesterId)
	remaining := len(room.UserIds)
	roomLock.Unlock()

	if remaining > 0 {
		metrics.RoomParticipants.WithLabelValues(fmt.Sprint(roomId)).Set(float64(remaining))
	}

	user.CurrentRoomId = -1

	if err := h.bus.Publish(ctx, "close-peer", map[string]any{
		"roomId": fmt.Sprint(roomId), "peerId": fmt.Sprint(requesterId), "kicked": false,
	}, fmt.Sprint(requesterId)); err != nil {
		h.log.Warn("roomhandler: failed to publish close-peer", zap.Error(err))
	}

	if remaining == 0 {
		h.DestroyRoom(ctx, roomId)
		return
	}

	encounteredError, ownerId, _ := h.fetch.GetRoomOwnerAndSettings(roomId)
	if !encounteredError && ownerId == requesterId {
		h.selectNewOwnerIfNeeded(ctx, roomId, roomLock)
	}
}

// selectNewOwnerIfNeeded must be called with roomId's room already known to
// exist; roomLock guards the owner queue the same as it guards room.UserIds,
// since both describe the same room's membership.
func (h *Handler) selectNewOwnerIfNeeded(ctx context.Context, roomId int32, roomLock *sync.RWMutex) {
	q, ok := h.state.OwnerQueue(roomId)
	if !ok {
		return
	}
	active := h.state.ActiveUsersSnapshot()

	roomLock.Lock()
	newOwnerId, found := q.FindNewOwner(active)
	roomLock.Unlock()

	if !found {
		return
	}
	if err := h.store.UpdateRoomOwner(roomId, newOwnerId); err != nil {
		h.log.Warn("roomhandler: failed to update room owner", zap.Error(err))
		return
	}
	h.BroadcastToRoom(ctx, roomId, 0, types.NewResponse("new_owner", fmt.Sprint(newOwnerId)))
}

// RaiseHand marks requesterId as asking to speak.
func (h *Handler) RaiseHand(ctx context.Context, requesterId, roomId int32) {
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return
	}
	p, ok := perms[requesterId]
	if !ok || p.IsSpeaker {
		return
	}
	if err := h.store.UpdateRoomPermission(store.RoomPermission{
		UserId: requesterId, RoomId: roomId, IsMod: p.IsMod, IsSpeaker: false, AskedToSpeak: true,
	}); err != nil {
		h.log.Warn("roomhandler: failed to raise hand", zap.Error(err))
		return
	}
	h.BroadcastToRoom(ctx, roomId, 0, types.NewResponse("user_asking_to_speak", fmt.Sprint(requesterId)))
}

// LowerHand clears targetId's asked_to_speak flag. requesterId must be a
// mod or targetId itself.
func (h *Handler) LowerHand(ctx context.Context, requesterId, targetId, roomId int32) {
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return
	}
	requester, ok := perms[requesterId]
	if !ok {
		return
	}
	target, ok := perms[targetId]
	if !ok || !target.AskedToSpeak || target.IsSpeaker {
		return
	}
	if requesterId != targetId && !requester.IsMod {
		return
	}
	if err := h.store.UpdateRoomPermission(store.RoomPermission{
		UserId: targetId, RoomId: roomId, IsMod: target.IsMod, IsSpeaker: false, AskedToSpeak: false,
	}); err != nil {
		h.log.Warn("roomhandler: failed to lower hand", zap.Error(err))
		return
	}
	h.BroadcastToRoom(ctx, roomId, 0, types.NewResponse("user_hand_lowered", fmt.Sprint(targetId)))
}

// AddSpeaker promotes targetId to speaker. Allowed if requesterId is the
// owner, or is a mod and targetId has asked to speak.
func (h *Handler) AddSpeaker(ctx context.Context, requesterId, targetId, roomId int32) types.BasicResponse {
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return types.NewResponse("issue_adding_speaker", fmt.Sprint(targetId))
	}
	requester, ok := perms[requesterId]
	if !ok {
		return types.NewResponse("issue_adding_speaker", fmt.Sprint(targetId))
	}
	target, ok := perms[targetId]
	if !ok {
		return types.NewResponse("issue_adding_speaker", fmt.Sprint(targetId))
	}
	encounteredError, ownerId, _ := h.fetch.GetRoomOwnerAndSettings(roomId)
	if encounteredError {
		return types.NewResponse("issue_adding_speaker", fmt.Sprint(targetId))
	}

	allowed := requesterId == ownerId || (requester.IsMod && target.AskedToSpeak)
	if !allowed {
		return types.NewResponse("issue_adding_speaker", fmt.Sprint(targetId))
	}

	if err := h.store.UpdateRoomPermission(store.RoomPermission{
		UserId: targetId, RoomId: roomId, IsMod: target.IsMod, IsSpeaker: true, AskedToSpeak: false,
	}); err != nil {
		return types.NewResponse("issue_adding_speaker", fmt.Sprint(targetId))
	}

	if err := h.bus.Publish(ctx, "add-speaker", types.GenericRoomIdAndPeerId{RoomId: int(roomId), PeerId: int(targetId)}, fmt.Sprint(targetId)); err != nil {
		h.log.Warn("roomhandler: failed to publish add-speaker", zap.Error(err))
	}
	return types.NewResponse("speaker_added", fmt.Sprint(targetId))
}

// RemoveSpeaker demotes targetId from speaker. Allowed if the owner
// removes anyone but self, a mod removes a non-mod speaker, or a user
// removes themselves.
func (h *Handler) RemoveSpeaker(ctx context.Context, requesterId, targetId, roomId int32) types.BasicResponse {
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return types.NewResponse("issue_removing_speaker", fmt.Sprint(targetId))
	}
	requester, ok := perms[requesterId]
	if !ok {
		return types.NewResponse("issue_removing_speaker", fmt.Sprint(targetId))
	}
	target, ok := perms[targetId]
	if !ok {
		return types.NewResponse("issue_removing_speaker", fmt.Sprint(targetId))
	}
	encounteredError, ownerId, _ := h.fetch.GetRoomOwnerAndSettings(roomId)
	if encounteredError {
		return types.NewResponse("issue_removing_speaker", fmt.Sprint(targetId))
	}

	allowed := (requesterId == ownerId && targetId != ownerId) ||
		(requester.IsMod && !target.IsMod && requesterId != targetId) ||
		(requesterId == targetId && target.IsSpeaker)
	if !allowed {
		return types.NewResponse("issue_removing_speaker", fmt.Sprint(targetId))
	}

	if err := h.store.UpdateRoomPermission(store.RoomPermission{
		UserId: targetId, RoomId: roomId, IsMod: target.IsMod, IsSpeaker: false, AskedToSpeak: false,
	}); err != nil {
		return types.NewResponse("issue_removing_speaker", fmt.Sprint(targetId))
	}

	if err := h.bus.Publish(ctx, "remove-speaker", types.GenericRoomIdAndPeerId{RoomId: int(roomId), PeerId: int(targetId)}, fmt.Sprint(targetId)); err != nil {
		h.log.Warn("roomhandler: failed to publish remove-speaker", zap.Error(err))
	}
	h.BroadcastToRoom(ctx, roomId, 0, types.NewResponse("speaker_removed", fmt.Sprint(targetId)))
	return types.NewResponse("speaker_removed", fmt.Sprint(targetId))
}

// BlockUserFromRoom lets an owner block anyone, or a mod block a non-mod
// non-owner, out of a room.
func (h *Handler) BlockUserFromRoom(ctx context.Context, requesterId, targetId, roomId int32) types.CaptureResult {
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return types.CaptureErr("could not verify permissions")
	}
	encounteredError, ownerId, _ := h.fetch.GetRoomOwnerAndSettings(roomId)
	if encounteredError {
		return types.CaptureErr("could not verify room owner")
	}
	if !canBlockUserFromRoom(perms, ownerId, requesterId, targetId) {
		return types.CaptureErr("you cannot block this user")
	}

	result, err := h.capture.NewRoomBlock(store.RoomBlock{OwnerRoomId: roomId, BlockedUserId: targetId})
	if err != nil || result.EncounteredError {
		return result
	}

	if room, roomLock, ok := h.state.Room(roomId); ok {
		roomLock.Lock()
		delete(room.UserIds, targetId)
		roomLock.Unlock()
	}

	if err := h.bus.Publish(ctx, "close-peer", map[string]any{
		"roomId": fmt.Sprint(roomId), "peerId": fmt.Sprint(targetId), "kicked": true,
	}, fmt.Sprint(targetId)); err != nil {
		h.log.Warn("roomhandler: failed to publish close-peer for block", zap.Error(err))
	}
	if targetUser, ok := h.state.ActiveUser(targetId); ok {
		targetUser.CurrentRoomId = -1
	}
	h.SendToUser(ctx, targetId, types.NewResponse("you_left_room", fmt.Sprint(roomId)))
	return result
}

func canBlockUserFromRoom(perms map[int32]types.RoomPermissions, ownerId, requesterId, targetId int32) bool {
	if requesterId == targetId {
		return false
	}
	requester, ok := perms[requesterId]
	if !ok {
		return false
	}
	if _, ok := perms[targetId]; !ok {
		return false
	}
	if requesterId == ownerId {
		return true
	}
	return requester.IsMod && !perms[targetId].IsMod && targetId != ownerId
}

// UnblockUserFromRoom lets a mod remove a room_block row; the user must
// rejoin explicitly afterward.
func (h *Handler) UnblockUserFromRoom(ctx context.Context, requesterId, targetId, roomId int32) types.CaptureResult {
	if !h.requesterIsMod(roomId, requesterId) {
		return types.CaptureErr("you must be a mod to unblock users")
	}
	result, err := h.capture.RemoveRoomBlock(roomId, targetId)
	if err != nil {
		return types.CaptureErr("unexpected error removing room block")
	}
	return result
}

// GetRoomBlocked composes User records for every blocked id in roomId.
// requesterId must be a mod.
func (h *Handler) GetRoomBlocked(requesterId, roomId int32) (types.CaptureResult, []types.User) {
	if !h.requesterIsMod(roomId, requesterId) {
		return types.CaptureErr("you must be a mod to view blocked users"), nil
	}
	encounteredError, blocked := h.fetch.GetBlockedUserIdsForRoom(roomId)
	if encounteredError {
		return types.CaptureErr("failed to load blocked users"), nil
	}
	ids := make([]int32, 0, len(blocked))
	for id := range blocked {
		ids = append(ids, id)
	}
	encounteredError, users := h.fetch.GetUsersForUser(requesterId, ids)
	if encounteredError {
		return types.CaptureErr("failed to compose blocked users"), nil
	}
	return types.Ok("ok"), users
}

func (h *Handler) requesterIsMod(roomId, requesterId int32) bool {
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return false
	}
	p, ok := perms[requesterId]
	return ok && p.IsMod
}

// UpdateRoomMeta overwrites a room's descriptive settings. requesterId
// must be a mod.
func (h *Handler) UpdateRoomMeta(ctx context.Context, requesterId, roomId int32, update types.RoomUpdate) types.BasicResponse {
	if !h.requesterIsMod(roomId, requesterId) {
		return types.InvalidRequest()
	}
	room, roomLock, ok := h.state.Room(roomId)
	if !ok {
		return types.InvalidRequest()
	}
	roomLock.Lock()
	room.Name = update.Name
	room.Desc = update.Description
	room.Public = update.Public
	room.ChatThrottle = update.ChatThrottle
	room.AutoSpeaker = update.AutoSpeaker
	roomLock.Unlock()

	resp := types.NewResponse("room_meta_update", update)
	h.BroadcastToRoom(ctx, roomId, 0, resp)
	return resp
}

// UpdateDeafAndMute updates requesterId's own mute/deaf flags and
// broadcasts the change to their current room.
func (h *Handler) UpdateDeafAndMute(ctx context.Context, requesterId int32, status types.DeafAndMuteStatus) types.BasicResponse {
	user, ok := h.state.ActiveUser(requesterId)
	if !ok || user.CurrentRoomId == -1 {
		return types.InvalidRequest()
	}
	user.Muted = status.Muted
	user.Deaf = status.Deaf

	resp := types.NewResponse("user_mute_and_deaf_update", types.DeafAndMuteStatusUpdate{
		Muted: status.Muted, Deaf: status.Deaf, UserId: int(requesterId),
	})
	h.BroadcastToRoom(ctx, user.CurrentRoomId, 0, resp)
	return resp
}

// SendChatMessage fans payload verbatim to requesterId's current room.
func (h *Handler) SendChatMessage(ctx context.Context, requesterId int32, payload string) types.BasicResponse {
	user, ok := h.state.ActiveUser(requesterId)
	if !ok || user.CurrentRoomId == -1 {
		return types.InvalidRequest()
	}
	resp := types.NewResponse("new_chat_message", payload)
	h.BroadcastToRoom(ctx, user.CurrentRoomId, 0, resp)
	return resp
}

// ChangeUserModStatus flips targetId's mod flag within roomId. requesterId
// must be the room owner.
func (h *Handler) ChangeUserModStatus(ctx context.Context, requesterId, targetId, roomId int32) types.BasicResponse {
	encounteredError, ownerId, _ := h.fetch.GetRoomOwnerAndSettings(roomId)
	if encounteredError || requesterId != ownerId {
		return types.InvalidRequest()
	}
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return types.InvalidRequest()
	}
	target, ok := perms[targetId]
	if !ok {
		return types.InvalidRequest()
	}

	newStatus := !target.IsMod
	if err := h.store.UpdateRoomPermission(store.RoomPermission{
		UserId: targetId, RoomId: roomId, IsMod: newStatus, IsSpeaker: target.IsSpeaker, AskedToSpeak: target.AskedToSpeak,
	}); err != nil {
		return types.InvalidRequest()
	}

	resp := types.NewResponse("new_mod_status", types.NewModStatus{NewStatus: newStatus, UserId: int(targetId)})
	h.BroadcastToRoom(ctx, roomId, 0, resp)
	return resp
}

// GiveOwner transfers room ownership to targetId, granting them mod and
// speaker status if they lack it. requesterId must be the current owner.
func (h *Handler) GiveOwner(ctx context.Context, requesterId, targetId, roomId int32) types.BasicResponse {
	encounteredError, ownerId, _ := h.fetch.GetRoomOwnerAndSettings(roomId)
	if encounteredError || requesterId != ownerId {
		return types.InvalidRequest()
	}
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return types.InvalidRequest()
	}
	target, ok := perms[targetId]
	if !ok {
		return types.InvalidRequest()
	}

	if !target.IsMod || !target.IsSpeaker {
		if err := h.store.UpdateRoomPermission(store.RoomPermission{
			UserId: targetId, RoomId: roomId, IsMod: true, IsSpeaker: true, AskedToSpeak: false,
		}); err != nil {
			return types.InvalidRequest()
		}
	}

	if err := h.store.UpdateRoomOwner(roomId, targetId); err != nil {
		return types.InvalidRequest()
	}

	if q, ok := h.state.OwnerQueue(roomId); ok {
		active := h.state.ActiveUsersSnapshot()
		if _, roomLock, ok := h.state.Room(roomId); ok {
			roomLock.Lock()
			q.RemoveAllInvalidUsers(active)
			q.InsertNewUser(targetId)
			roomLock.Unlock()
		}
	}

	resp := types.NewResponse("new_owner", fmt.Sprint(targetId))
	h.BroadcastToRoom(ctx, roomId, 0, resp)
	return resp
}

// GetTopRooms returns every active room, sorted by occupancy, enriched
// with owner and user-preview data. Rooms whose enrichment hits a store
// error are skipped rather than failing the whole request.
func (h *Handler) GetTopRooms() []types.CommunicationRoom {
	roomIds := h.state.AllRoomIds()
	rooms := make([]*roomstate.Room, 0, len(roomIds))
	for _, id := range roomIds {
		if r, _, ok := h.state.Room(id); ok {
			rooms = append(rooms, r)
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return len(rooms[i].UserIds) > len(rooms[j].UserIds)
	})

	out := make([]types.CommunicationRoom, 0, len(rooms))
	for _, r := range rooms {
		encounteredError, ownerId, chatMode := h.fetch.GetRoomOwnerAndSettings(r.RoomId)
		if encounteredError {
			continue
		}
		ids := make([]int32, 0, len(r.UserIds))
		for id := range r.UserIds {
			ids = append(ids, id)
		}
		encounteredError, previews := h.fetch.GetUserPreviewsForUsers(ids)
		if encounteredError {
			continue
		}
		previewMap := make(map[int]types.UserPreview, len(previews))
		for id, p := range previews {
			previewMap[int(id)] = p
		}

		out = append(out, types.CommunicationRoom{
			Details: types.RoomDetails{
				Name: r.Name, ChatThrottle: r.ChatThrottle, IsPrivate: !r.Public, Description: r.Desc,
			},
			RoomId:             int(r.RoomId),
			NumOfPeopleInRoom:  len(r.UserIds),
			VoiceServerId:      r.VoiceServerId,
			CreatorId:          int(ownerId),
			PeoplePreviewData:  previewMap,
			AutoSpeakerSetting: r.AutoSpeaker,
			CreatedAt:          r.CreatedAt,
			ChatMode:           chatMode,
		})
	}
	return out
}

// GatherAllUsersInRoom composes a User record, relative to requesterId,
// for every other member of roomId.
func (h *Handler) GatherAllUsersInRoom(requesterId, roomId int32) (bool, []types.User) {
	room, _, ok := h.state.Room(roomId)
	if !ok {
		return true, nil
	}
	ids := make([]int32, 0, len(room.UserIds))
	for id := range room.UserIds {
		if id != requesterId {
			ids = append(ids, id)
		}
	}
	return h.fetch.GetUsersForUser(requesterId, ids)
}

// GetInitialRoomData composes a room's client-facing record plus the
// requester's own permissions in it.
func (h *Handler) GetInitialRoomData(requesterId, roomId int32) (bool, *types.CommunicationRoom, *types.RoomPermissions) {
	room, _, ok := h.state.Room(roomId)
	if !ok {
		return true, nil, nil
	}
	encounteredError, ownerId, chatMode := h.fetch.GetRoomOwnerAndSettings(roomId)
	if encounteredError {
		return true, nil, nil
	}
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return true, nil, nil
	}
	ids := make([]int32, 0, len(room.UserIds))
	for id := range room.UserIds {
		ids = append(ids, id)
	}
	encounteredError, previews := h.fetch.GetUserPreviewsForUsers(ids)
	if encounteredError {
		return true, nil, nil
	}
	previewMap := make(map[int]types.UserPreview, len(previews))
	for id, p := range previews {
		previewMap[int(id)] = p
	}

	communicationRoom := types.CommunicationRoom{
		Details: types.RoomDetails{
			Name: room.Name, ChatThrottle: room.ChatThrottle, IsPrivate: !room.Public, Description: room.Desc,
		},
		RoomId:             int(room.RoomId),
		NumOfPeopleInRoom:  len(room.UserIds),
		VoiceServerId:      room.VoiceServerId,
		CreatorId:          int(ownerId),
		PeoplePreviewData:  previewMap,
		AutoSpeakerSetting: room.AutoSpeaker,
		CreatedAt:          room.CreatedAt,
		ChatMode:           chatMode,
	}
	requesterPerms := perms[requesterId]
	return false, &communicationRoom, &requesterPerms
}

// GetJoinType reports whether requesterId would be accepted as a speaker
// and/or listener if they joined roomId right now, without joining them.
func (h *Handler) GetJoinType(requesterId, roomId int32) (bool, types.JoinTypeInfo) {
	room, _, ok := h.state.Room(roomId)
	if !ok {
		return true, types.JoinTypeInfo{}
	}
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return true, types.JoinTypeInfo{}
	}

	info := types.JoinTypeInfo{RoomId: int(roomId), AsListener: true}
	if p, ok := perms[requesterId]; ok {
		info.AsSpeaker = p.IsSpeaker || room.AutoSpeaker
	} else {
		info.AsSpeaker = room.AutoSpeaker || len(room.UserIds) == 0
	}
	return false, info
}

// FollowUser records requesterId following targetId, rejecting self-follow.
func (h *Handler) FollowUser(requesterId, targetId int32) types.BasicResponse {
	if requesterId == targetId {
		return types.InvalidRequest()
	}
	result, err := h.capture.NewFollower(store.Follower{FollowerId: requesterId, UserId: targetId})
	if err != nil || result.EncounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("user_follow_successful", fmt.Sprint(targetId))
}

// UnfollowUser removes a follow relationship, rejecting self-unfollow.
func (h *Handler) UnfollowUser(requesterId, targetId int32) types.BasicResponse {
	if requesterId == targetId {
		return types.InvalidRequest()
	}
	result, err := h.capture.RemoveFollower(requesterId, targetId)
	if err != nil || result.EncounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("user_unfollow_successful", fmt.Sprint(targetId))
}

// BlockUser records a user-level (not room-scoped) block, rejecting self-block.
func (h *Handler) BlockUser(requesterId, targetId int32) types.BasicResponse {
	if requesterId == targetId {
		return types.InvalidRequest()
	}
	result, err := h.capture.NewUserBlock(store.UserBlock{OwnerUserId: requesterId, BlockedUserId: targetId})
	if err != nil || result.EncounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("user_personally_blocked", fmt.Sprint(targetId))
}

// UnblockUser removes a user-level block, rejecting self-unblock.
func (h *Handler) UnblockUser(requesterId, targetId int32) types.BasicResponse {
	if requesterId == targetId {
		return types.InvalidRequest()
	}
	result, err := h.capture.RemoveUserBlock(requesterId, targetId)
	if err != nil || result.EncounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("user_personally_unblocked", fmt.Sprint(targetId))
}

// GetFollowers returns the composed, viewer-relative User records following
// targetId.
func (h *Handler) GetFollowers(requesterId, targetId int32) (bool, []types.User) {
	encounteredError, ids := h.fetch.GetFollowerUserIdsForUser(targetId)
	if encounteredError {
		return true, nil
	}
	return h.fetch.GetUsersForUser(requesterId, setToSlice(ids))
}

// GetFollowing returns the composed, viewer-relative User records targetId follows.
func (h *Handler) GetFollowing(requesterId, targetId int32) (bool, []types.User) {
	encounteredError, ids := h.fetch.GetFollowingUserIdsForUser(targetId)
	if encounteredError {
		return true, nil
	}
	return h.fetch.GetUsersForUser(requesterId, setToSlice(ids))
}

func setToSlice(set map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// MyData returns the requester's own composed User record.
func (h *Handler) MyData(requesterId int32) (bool, *types.User) {
	return h.fetch.GetSingleUserForUser(requesterId, requesterId)
}

// SingleUserData returns targetId's composed User record relative to requesterId.
func (h *Handler) SingleUserData(requesterId, targetId int32) (bool, *types.User) {
	return h.fetch.GetSingleUserForUser(requesterId, targetId)
}

// SingleUserPermissions returns targetId's permissions within roomId.
func (h *Handler) SingleUserPermissions(targetId, roomId int32) (bool, types.RoomPermissions) {
	encounteredError, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	if encounteredError {
		return true, types.RoomPermissions{}
	}
	return false, perms[targetId]
}

// UserPreviews returns the lightweight preview for each id.
func (h *Handler) UserPreviews(ids []int32) (bool, map[int32]types.UserPreview) {
	return h.fetch.GetUserPreviewsForUsers(ids)
}

// UpdateUserData overwrites the requester's own display name and avatar.
func (h *Handler) UpdateUserData(requesterId int32, update types.UpdateUserDataRequest) types.BasicResponse {
	result, err := h.capture.UpdateUserData(store.User{Id: requesterId, DisplayName: update.DisplayName, AvatarUrl: update.AvatarUrl})
	if err != nil || result.EncounteredError {
		return types.InvalidRequest()
	}
	return types.NewResponse("user_data_updated", update)
}
