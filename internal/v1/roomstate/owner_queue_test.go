package roomstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOwnerQueueFindNewOwnerSkipsInvalidUsers(t *testing.T) {
	q := NewOwnerQueue(3)
	q.InsertNewUser(34)
	q.InsertNewUser(35)

	active := map[int32]User{
		35: {UserId: 35, CurrentRoomId: 3},
	}

	owner, ok := q.FindNewOwner(active)
	assert.True(t, ok)
	assert.Equal(t, int32(35), owner)
	assert.Equal(t, 0, q.Len())
}

func TestOwnerQueueFindNewOwnerEmptyQueue(t *testing.T) {
	q := NewOwnerQueue(1)
	_, ok := q.FindNewOwner(map[int32]User{})
	assert.False(t, ok)
}

func TestOwnerQueueRemoveAllInvalidUsersPreservesOrder(t *testing.T) {
	q := NewOwnerQueue(1)
	q.InsertNewUser(1)
	q.InsertNewUser(2)
	q.InsertNewUser(3)

	active := map[int32]User{
		1: {UserId: 1, CurrentRoomId: 1},
		3: {UserId: 3, CurrentRoomId: 1},
	}
	q.RemoveAllInvalidUsers(active)
	assert.Equal(t, 2, q.Len())

	owner, ok := q.FindNewOwner(active)
	assert.True(t, ok)
	assert.Equal(t, int32(1), owner)

	owner, ok = q.FindNewOwner(active)
	assert.True(t, ok)
	assert.Equal(t, int32(3), owner)
}

func TestOwnerQueueRemoveAllInvalidUsersDropsUsersInOtherRooms(t *testing.T) {
	q := NewOwnerQueue(1)
	q.InsertNewUser(1)

	active := map[int32]User{
		1: {UserId: 1, CurrentRoomId: 99},
	}
	q.RemoveAllInvalidUsers(active)
	assert.Equal(t, 0, q.Len())
}
