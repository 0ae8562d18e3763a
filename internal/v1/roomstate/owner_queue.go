package roomstate

import "container/list"

// OwnerQueue tracks who is next in line for the owner role of a room, in
// the event the current owner leaves without naming a successor.
type OwnerQueue struct {
	RoomId int32
	queue  *list.List // holds int32 user ids, oldest at the front
}

func NewOwnerQueue(roomId int32) *OwnerQueue {
	return &OwnerQueue{RoomId: roomId, queue: list.New()}
}

// InsertNewUser appends a user to the back of the queue.
func (q *OwnerQueue) InsertNewUser(userId int32) {
	q.queue.PushBack(userId)
}

// RemoveAllInvalidUsers drops every queued id that is no longer an active
// user of this room, preserving the relative order of the rest.
func (q *OwnerQueue) RemoveAllInvalidUsers(activeUsers map[int32]User) {
	kept := list.New()
	for e := q.queue.Front(); e != nil; e = e.Next() {
		id := e.Value.(int32)
		if u, ok := activeUsers[id]; ok && u.CurrentRoomId == q.RoomId {
			kept.PushBack(id)
		}
	}
	q.queue = kept
}

// FindNewOwner pops ids off the front of the queue until it finds one that
// is still an active user of this room, returning it, or ok=false if the
// queue is exhausted.
func (q *OwnerQueue) FindNewOwner(activeUsers map[int32]User) (int32, bool) {
	for {
		front := q.queue.Front()
		if front == nil {
			return 0, false
		}
		q.queue.Remove(front)
		id := front.Value.(int32)
		if u, ok := activeUsers[id]; ok && u.CurrentRoomId == q.RoomId {
			return id, true
		}
	}
}

// Len reports how many users are currently queued.
func (q *OwnerQueue) Len() int {
	return q.queue.Len()
}
