package roomhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/collab-audio/roomcore/internal/v1/fanout"
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

func newTestHandler(t *testing.T) (*Handler, *roomstate.ServerState, *store.Gateway) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	g := store.NewGateway(db)
	require.NoError(t, g.AutoMigrate())

	state := roomstate.NewServerState()
	var bus *voicebus.Bus
	var fan *fanout.Service
	h := New(state, g, bus, fan, zap.NewNop())
	return h, state, g
}

func addActiveUser(state *roomstate.ServerState, userId int32) {
	state.AddActiveUser(&roomstate.User{UserId: userId, CurrentRoomId: -1})
}

func TestCreateRoomThenJoinAsFoundingOwner(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)

	resp := h.CreateRoom(ctx, 1, "test room", "desc", true)
	require.Equal(t, "room_created", resp.ResponseOpCode)

	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(resp.ResponseContainingData, &created))
	require.NotZero(t, created.RoomId)

	joinResp := h.JoinRoom(ctx, 1, int32(created.RoomId), "join-as-new-peer")
	require.Equal(t, "join-as-new-peer", joinResp.ResponseOpCode)

	user, ok := state.ActiveUser(1)
	require.True(t, ok)
	require.Equal(t, int32(created.RoomId), user.CurrentRoomId)

	_, perms := h.fetch.GetRoomPermissionsForUsers(int32(created.RoomId))
	require.True(t, perms[1].IsMod)
	require.True(t, perms[1].IsSpeaker)
}

func TestJoinRoomRejectsAlreadyInARoom(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)

	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")
	resp := h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestJoinRoomRejectsBlockedUser(t *testing.T) {
	h, state, g := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")

	require.NoError(t, g.InsertRoomBlock(store.RoomBlock{OwnerRoomId: roomId, BlockedUserId: 2}))

	resp := h.JoinRoom(ctx, 2, roomId, "join-as-new-peer")
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestLeaveRoomDestroysEmptyRoom(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")

	h.LeaveRoom(ctx, 1, roomId)

	_, _, ok := state.Room(roomId)
	require.False(t, ok)
	user, _ := state.ActiveUser(1)
	require.Equal(t, int32(-1), user.CurrentRoomId)
}

func TestLeaveRoomHandsOffOwnership(t *testing.T) {
	h, state, g := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)

	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")
	h.JoinRoom(ctx, 2, roomId, "join-as-new-peer")

	h.LeaveRoom(ctx, 1, roomId)

	room, err := g.SelectRoom(roomId)
	require.NoError(t, err)
	require.Equal(t, int32(2), room.OwnerId)
}

func TestRaiseAndLowerHand(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)

	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")
	h.JoinRoom(ctx, 2, roomId, "join-as-new-peer")

	h.RaiseHand(ctx, 2, roomId)
	_, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	require.True(t, perms[2].AskedToSpeak)

	h.LowerHand(ctx, 1, 2, roomId)
	_, perms = h.fetch.GetRoomPermissionsForUsers(roomId)
	require.False(t, perms[2].AskedToSpeak)
}

func TestAddSpeakerRequiresOwnerOrModWithRaisedHand(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")
	h.JoinRoom(ctx, 2, roomId, "join-as-new-peer")

	resp := h.AddSpeaker(ctx, 2, 2, roomId)
	require.Equal(t, "issue_adding_speaker", resp.ResponseOpCode)

	h.RaiseHand(ctx, 2, roomId)
	resp = h.AddSpeaker(ctx, 1, 2, roomId)
	require.Equal(t, "speaker_added", resp.ResponseOpCode)

	_, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	require.True(t, perms[2].IsSpeaker)
}

func TestRemoveSpeakerSelfDemote(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")

	resp := h.RemoveSpeaker(ctx, 1, 1, roomId)
	require.Equal(t, "speaker_removed", resp.ResponseOpCode)
	_, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	require.False(t, perms[1].IsSpeaker)
}

func TestBlockUserFromRoomRequiresModOrOwner(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)
	addActiveUser(state, 3)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")
	h.JoinRoom(ctx, 2, roomId, "join-as-new-peer")
	h.JoinRoom(ctx, 3, roomId, "join-as-new-peer")

	result := h.BlockUserFromRoom(ctx, 2, 3, roomId)
	require.True(t, result.EncounteredError)

	result = h.BlockUserFromRoom(ctx, 1, 3, roomId)
	require.False(t, result.EncounteredError)

	room, _, _ := state.Room(roomId)
	_, stillMember := room.UserIds[3]
	require.False(t, stillMember)
}

func TestChangeUserModStatusRequiresOwner(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")
	h.JoinRoom(ctx, 2, roomId, "join-as-new-peer")

	resp := h.ChangeUserModStatus(ctx, 2, 1, roomId)
	require.Equal(t, "invalid_request", resp.ResponseOpCode)

	resp = h.ChangeUserModStatus(ctx, 1, 2, roomId)
	require.Equal(t, "new_mod_status", resp.ResponseOpCode)

	_, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	require.True(t, perms[2].IsMod)
}

func TestGiveOwnerTransfersOwnershipAndGrantsPermissions(t *testing.T) {
	h, state, g := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")
	h.JoinRoom(ctx, 2, roomId, "join-as-new-peer")

	resp := h.GiveOwner(ctx, 1, 2, roomId)
	require.Equal(t, "new_owner", resp.ResponseOpCode)

	room, err := g.SelectRoom(roomId)
	require.NoError(t, err)
	require.Equal(t, int32(2), room.OwnerId)

	_, perms := h.fetch.GetRoomPermissionsForUsers(roomId)
	require.True(t, perms[2].IsMod)
	require.True(t, perms[2].IsSpeaker)
}

func TestGetTopRoomsSortsByOccupancy(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)
	addActiveUser(state, 3)

	resp1 := h.CreateRoom(ctx, 1, "room1", "", true)
	var c1 struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(resp1.ResponseContainingData, &c1))
	h.JoinRoom(ctx, 1, int32(c1.RoomId), "join-as-new-peer")

	resp2 := h.CreateRoom(ctx, 2, "room2", "", true)
	var c2 struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(resp2.ResponseContainingData, &c2))
	h.JoinRoom(ctx, 2, int32(c2.RoomId), "join-as-new-peer")
	h.JoinRoom(ctx, 3, int32(c2.RoomId), "join-as-new-peer")

	rooms := h.GetTopRooms()
	require.Len(t, rooms, 2)
	require.Equal(t, c2.RoomId, rooms[0].RoomId)
	require.Equal(t, 2, rooms[0].NumOfPeopleInRoom)
}

func TestFollowUserRejectsSelfFollow(t *testing.T) {
	h, state, _ := newTestHandler(t)
	addActiveUser(state, 1)

	resp := h.FollowUser(1, 1)
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestFollowAndUnfollowUser(t *testing.T) {
	h, state, g := newTestHandler(t)
	addActiveUser(state, 1)
	addActiveUser(state, 2)
	_, err := g.InsertUser(store.User{Id: 2, UserName: "bob"})
	require.NoError(t, err)
	_, err = g.InsertUser(store.User{Id: 1, UserName: "alice"})
	require.NoError(t, err)

	resp := h.FollowUser(1, 2)
	require.Equal(t, "user_follow_successful", resp.ResponseOpCode)

	encounteredError, followers := h.GetFollowers(1, 2)
	require.False(t, encounteredError)
	require.Len(t, followers, 1)
	require.Equal(t, 1, followers[0].UserId)

	resp = h.UnfollowUser(1, 2)
	require.Equal(t, "user_unfollow_successful", resp.ResponseOpCode)
}

func TestBlockAndUnblockUser(t *testing.T) {
	h, state, g := newTestHandler(t)
	addActiveUser(state, 1)
	addActiveUser(state, 2)
	_, err := g.InsertUser(store.User{Id: 2, UserName: "bob"})
	require.NoError(t, err)

	resp := h.BlockUser(1, 2)
	require.Equal(t, "user_personally_blocked", resp.ResponseOpCode)

	resp = h.BlockUser(1, 1)
	require.Equal(t, "invalid_request", resp.ResponseOpCode)

	resp = h.UnblockUser(1, 2)
	require.Equal(t, "user_personally_unblocked", resp.ResponseOpCode)
}

func TestMyDataAndSingleUserData(t *testing.T) {
	h, state, g := newTestHandler(t)
	addActiveUser(state, 1)
	addActiveUser(state, 2)
	_, err := g.InsertUser(store.User{Id: 1, UserName: "alice"})
	require.NoError(t, err)
	_, err = g.InsertUser(store.User{Id: 2, UserName: "bob"})
	require.NoError(t, err)

	encounteredError, me := h.MyData(1)
	require.False(t, encounteredError)
	require.Equal(t, "alice", me.Username)

	encounteredError, other := h.SingleUserData(1, 2)
	require.False(t, encounteredError)
	require.Equal(t, "bob", other.Username)
}

func TestSingleUserPermissions(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")

	encounteredError, perms := h.SingleUserPermissions(1, roomId)
	require.False(t, encounteredError)
	require.True(t, perms.IsMod)
}

func TestGetJoinTypeForUnknownUserFoundingRoom(t *testing.T) {
	h, state, _ := newTestHandler(t)
	ctx := context.Background()
	addActiveUser(state, 1)
	addActiveUser(state, 2)

	createResp := h.CreateRoom(ctx, 1, "room", "", true)
	var created struct {
		RoomId int `json:"room_id"`
	}
	require.NoError(t, unmarshalInto(createResp.ResponseContainingData, &created))
	roomId := int32(created.RoomId)
	h.JoinRoom(ctx, 1, roomId, "join-as-new-peer")

	encounteredError, info := h.GetJoinType(2, roomId)
	require.False(t, encounteredError)
	require.True(t, info.AsListener)
	require.True(t, info.AsSpeaker)
}
