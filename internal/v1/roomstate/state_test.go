package roomstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateRoomIsIdempotent(t *testing.T) {
	s := NewServerState()

	room1, lock1 := s.GetOrCreateRoom(1)
	room2, lock2 := s.GetOrCreateRoom(1)

	assert.Same(t, room1, room2)
	assert.Same(t, lock1, lock2)
}

func TestRoomLookupMissing(t *testing.T) {
	s := NewServerState()
	_, _, ok := s.Room(404)
	assert.False(t, ok)
}

func TestRemoveRoomDropsOwnerQueueToo(t *testing.T) {
	s := NewServerState()
	s.GetOrCreateRoom(1)
	s.RemoveRoom(1)

	_, ok := s.OwnerQueue(1)
	assert.False(t, ok)
}

func TestActiveUserLifecycle(t *testing.T) {
	s := NewServerState()
	s.AddActiveUser(&User{UserId: 7, CurrentRoomId: 1})

	u, ok := s.ActiveUser(7)
	require.True(t, ok)
	assert.Equal(t, int32(1), u.CurrentRoomId)

	s.RemoveActiveUser(7)
	_, ok = s.ActiveUser(7)
	assert.False(t, ok)
}

func TestPeerRegistration(t *testing.T) {
	s := NewServerState()
	ch := make(chan OutboundFrame, 1)
	s.RegisterPeer(7, ch)

	got, ok := s.Peer(7)
	require.True(t, ok)
	assert.Equal(t, ch, got)

	s.UnregisterPeer(7)
	_, ok = s.Peer(7)
	assert.False(t, ok)
}

func TestActiveUsersSnapshotIsACopy(t *testing.T) {
	s := NewServerState()
	s.AddActiveUser(&User{UserId: 1, CurrentRoomId: 1})

	snap := s.ActiveUsersSnapshot()
	snap[1] = User{UserId: 1, CurrentRoomId: 999}

	u, _ := s.ActiveUser(1)
	assert.Equal(t, int32(1), u.CurrentRoomId)
}
