package reqhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/collab-audio/roomcore/internal/v1/fanout"
	"github.com/collab-audio/roomcore/internal/v1/fetch"
	"github.com/collab-audio/roomcore/internal/v1/roomhandler"
	"github.com/collab-audio/roomcore/internal/v1/roomstate"
	"github.com/collab-audio/roomcore/internal/v1/store"
	"github.com/collab-audio/roomcore/internal/v1/voicebus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func unmarshalInto(data string, out any) error {
	return json.Unmarshal([]byte(data), out)
}

func newTestHandler(t *testing.T) (*Handler, *roomstate.ServerState, *roomhandler.Handler, *store.Gateway) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	g := store.NewGateway(db)
	require.NoError(t, g.AutoMigrate())

	state := roomstate.NewServerState()
	var bus *voicebus.Bus
	var fan *fanout.Service
	room := roomhandler.New(state, g, bus, fan, zap.NewNop())
	h := New(state, fetch.New(g), room, bus, zap.NewNop())
	return h, state, room, g
}

func addActiveUser(state *roomstate.ServerState, userId int32) {
	state.AddActiveUser(&roomstate.User{UserId: userId, CurrentRoomId: -1})
}

func createAndJoinRoom(ctx context.Context, t *testing.T, h *Handler, room *roomhandler.Handler, state *roomstate.ServerState, ownerId int32) int32 {
	addActiveUser(state, ownerId)
	resp := h.CreateRoom(ctx, ownerId, fmt.Sprintf(`{"name":"room","desc":"","public":true}`))
	require.Equal(t, "room_created", resp.ResponseOpCode)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(resp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)

	joinResp := h.JoinAsNewPeer(ctx, ownerId, fmt.Sprintf(`{"roomId":%d,"peerId":%d}`, roomId, ownerId))
	require.Equal(t, "join-as-new-peer", joinResp.ResponseOpCode)
	return roomId
}

func TestCreateRoomRejectsUnknownRequester(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	resp := h.CreateRoom(context.Background(), 99, `{"name":"x","desc":"","public":true}`)
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestCreateRoomRejectsMalformedPayload(t *testing.T) {
	h, state, _, _ := newTestHandler(t)
	addActiveUser(state, 1)
	resp := h.CreateRoom(context.Background(), 1, `not json`)
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestJoinRoomRejectsPeerIdMismatch(t *testing.T) {
	h, state, room, _ := newTestHandler(t)
	ctx := context.Background()
	roomId := createAndJoinRoom(ctx, t, h, room, state, 1)
	addActiveUser(state, 2)

	resp := h.JoinAsNewPeer(ctx, 2, fmt.Sprintf(`{"roomId":%d,"peerId":99}`, roomId))
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestJoinRoomRejectsUnknownRoom(t *testing.T) {
	h, state, _, _ := newTestHandler(t)
	addActiveUser(state, 1)
	resp := h.JoinAsNewPeer(context.Background(), 1, `{"roomId":404,"peerId":1}`)
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestAddSpeakerRequiresBothMembersInRoom(t *testing.T) {
	h, state, room, _ := newTestHandler(t)
	ctx := context.Background()
	roomId := createAndJoinRoom(ctx, t, h, room, state, 1)
	addActiveUser(state, 2) // never joins the room

	resp := h.AddSpeaker(ctx, 1, fmt.Sprintf(`{"roomId":%d,"peerId":2}`, roomId))
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestAddSpeakerSucceedsAfterRaiseHand(t *testing.T) {
	h, state, room, _ := newTestHandler(t)
	ctx := context.Background()
	roomId := createAndJoinRoom(ctx, t, h, room, state, 1)
	addActiveUser(state, 2)
	joinResp := h.JoinAsNewPeer(ctx, 2, fmt.Sprintf(`{"roomId":%d,"peerId":2}`, roomId))
	require.Equal(t, "join-as-new-peer", joinResp.ResponseOpCode)

	raiseResp := h.RaiseHand(ctx, 2, fmt.Sprintf(`{"room_id":%d}`, roomId))
	require.Equal(t, "hand_raised", raiseResp.ResponseOpCode)

	addResp := h.AddSpeaker(ctx, 1, fmt.Sprintf(`{"roomId":%d,"peerId":2}`, roomId))
	require.Equal(t, "speaker_added", addResp.ResponseOpCode)
}

func TestBlockUserFromRoomRequiresBothMembers(t *testing.T) {
	h, state, room, _ := newTestHandler(t)
	ctx := context.Background()
	roomId := createAndJoinRoom(ctx, t, h, room, state, 1)

	resp := h.BlockUserFromRoom(ctx, 1, fmt.Sprintf(`{"user_id":2,"room_id":%d}`, roomId))
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestFollowUserHasNoRoomPrecheck(t *testing.T) {
	h, state, _, g := newTestHandler(t)
	addActiveUser(state, 1)
	addActiveUser(state, 2)
	_, err := g.InsertUser(store.User{Id: 2})
	require.NoError(t, err)

	resp := h.FollowUser(1, `{"user_id":2}`)
	require.Equal(t, "user_follow_successful", resp.ResponseOpCode)
}

func TestLeaveRoomRejectsNonMember(t *testing.T) {
	h, state, room, _ := newTestHandler(t)
	ctx := context.Background()
	roomId := createAndJoinRoom(ctx, t, h, room, state, 1)
	addActiveUser(state, 2)

	resp := h.LeaveRoom(ctx, 2, fmt.Sprintf(`{"room_id":%d}`, roomId))
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestUpdateDeafAndMuteRequiresActiveUser(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	resp := h.UpdateDeafAndMute(context.Background(), 99, `{"muted":true,"deaf":false}`)
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestMyDataReturnsComposedUser(t *testing.T) {
	h, state, _, g := newTestHandler(t)
	addActiveUser(state, 1)
	_, err := g.InsertUser(store.User{Id: 1})
	require.NoError(t, err)

	resp := h.MyData(1, "")
	require.Equal(t, "my_data", resp.ResponseOpCode)
}
