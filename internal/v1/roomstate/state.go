// Package roomstate holds the in-memory half of the three-way consistency
// model: the live rooms, the users currently connected, and the peer
// channels used to push frames to them. It is the fast path the request
// and room handlers read and mutate directly; the relational store only
// sees what survives a decision made against this state.
package roomstate

import (
	"sync"

	"k8s.io/utils/set"
)

// PeerID identifies a connected client's write channel.
type PeerID = int32

// OutboundFrame is whatever the transport adapter knows how to serialize
// onto a connection; defined here as []byte so this package never imports
// the wire types package.
type OutboundFrame = []byte

// User is the live, in-memory record of one connected user. It mirrors the
// reference implementation's per-connection state (mute/deaf flags, current
// room) rather than the durable store.User row.
type User struct {
	UserId       int32
	CurrentRoomId int32
	Muted        bool
	Deaf         bool
	IP           string
}

// Room is the live, in-memory record of one active room.
type Room struct {
	RoomId             int32
	Name               string
	Desc               string
	ChatThrottle       int
	VoiceServerId      string
	Public             bool
	AutoSpeaker        bool
	CreatedAt          string
	UserIds            set.Set[int32]
}

func newRoom(roomId int32) *Room {
	return &Room{
		RoomId:  roomId,
		UserIds: set.New[int32](),
	}
}

// ServerState is all in-memory server state. Its own RWMutex guards only
// the top-level maps; each Room has its own RWMutex (the teacher's
// room-level locking pattern), so that two unrelated rooms never contend
// on the same lock.
type ServerState struct {
	mu          sync.RWMutex
	peers       map[PeerID]chan OutboundFrame
	rooms       map[int32]*Room
	roomLocks   map[int32]*sync.RWMutex
	activeUsers map[int32]*User
	ownerQueues map[int32]*OwnerQueue
}

func NewServerState() *ServerState {
	return &ServerState{
		peers:       make(map[PeerID]chan OutboundFrame),
		rooms:       make(map[int32]*Room),
		roomLocks:   make(map[int32]*sync.RWMutex),
		activeUsers: make(map[int32]*User),
		ownerQueues: make(map[int32]*OwnerQueue),
	}
}

// RegisterPeer associates a write channel with a connected user.
func (s *ServerState) RegisterPeer(userId int32, ch chan OutboundFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[userId] = ch
}

// UnregisterPeer removes a user's write channel.
func (s *ServerState) UnregisterPeer(userId int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, userId)
}

// Peer returns a user's write channel, if connected.
func (s *ServerState) Peer(userId int32) (chan OutboundFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.peers[userId]
	return ch, ok
}

// AllPeerIds returns every currently connected user id.
func (s *ServerState) AllPeerIds() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int32, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// AddActiveUser registers a connected user.
func (s *ServerState) AddActiveUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeUsers[u.UserId] = u
}

// RemoveActiveUser removes a user from the connected set.
func (s *ServerState) RemoveActiveUser(userId int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeUsers, userId)
}

// ActiveUser returns a connected user's live state, if any.
func (s *ServerState) ActiveUser(userId int32) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.activeUsers[userId]
	return u, ok
}

// ActiveUsersSnapshot returns a shallow copy of every connected user,
// keyed by id, safe for the caller to range over without holding any lock.
func (s *ServerState) ActiveUsersSnapshot() map[int32]User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int32]User, len(s.activeUsers))
	for id, u := range s.activeUsers {
		out[id] = *u
	}
	return out
}

// GetOrCreateRoom returns the room for roomId, creating it (with a fresh
// owner queue and lock) if this is the first time it's been touched.
func (s *ServerState) GetOrCreateRoom(roomId int32) (*Room, *sync.RWMutex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomId]
	if !ok {
		room = newRoom(roomId)
		s.rooms[roomId] = room
		s.roomLocks[roomId] = &sync.RWMutex{}
		s.ownerQueues[roomId] = NewOwnerQueue(roomId)
	}
	return room, s.roomLocks[roomId]
}

// Room returns the room for roomId and its lock, if it exists.
func (s *ServerState) Room(roomId int32) (*Room, *sync.RWMutex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomId]
	if !ok {
		return nil, nil, false
	}
	return room, s.roomLocks[roomId], true
}

// RemoveRoom deletes a room and its owner queue once it is empty.
func (s *ServerState) RemoveRoom(roomId int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomId)
	delete(s.roomLocks, roomId)
	delete(s.ownerQueues, roomId)
}

// OwnerQueue returns the owner queue for roomId, if the room exists.
func (s *ServerState) OwnerQueue(roomId int32) (*OwnerQueue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.ownerQueues[roomId]
	return q, ok
}

// AllRoomIds returns every currently active room id.
func (s *ServerState) AllRoomIds() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int32, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}
