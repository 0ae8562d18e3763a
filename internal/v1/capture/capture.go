// Package capture is the write-side of the store: every exported function
// performs one duplicate-guarded insert or removal and returns a uniform
// result so callers never have to branch on a raw gorm error.
package capture

import (
	"github.com/collab-audio/roomcore/internal/v1/store"
	"github.com/collab-audio/roomcore/internal/v1/types"
)

// Capturer wraps a store.Gateway with duplicate-checked writes.
type Capturer struct {
	store *store.Gateway
}

func New(g *store.Gateway) *Capturer {
	return &Capturer{store: g}
}

// NewUser inserts a user unless one already exists with the same provider
// ids, returning -1 when it does (no user has both a github id and a
// discord id; callers pass "" for whichever provider is absent).
func (c *Capturer) NewUser(u store.User) (int32, error) {
	existing, err := c.store.SelectUserByProviderIds(u.GithubId, u.DiscordId)
	if err != nil {
		return -1, err
	}
	if existing != nil {
		return -1, nil
	}
	return c.store.InsertUser(u)
}

// UpdateUserData overwrites a user's display name and avatar url.
func (c *Capturer) UpdateUserData(u store.User) (types.CaptureResult, error) {
	if err := c.store.UpdateUser(u); err != nil {
		return types.CaptureResult{}, err
	}
	return types.Ok("user data updated"), nil
}

// NewRoom inserts a room unconditionally; rooms have no duplicate concept.
func (c *Capturer) NewRoom(r store.Room) (int32, error) {
	return c.store.InsertRoom(r)
}

// maxScheduledRoomsPerUser caps how many scheduled rooms one user may own
// at a time.
const maxScheduledRoomsPerUser = 3

// NewScheduledRoom inserts a scheduled room unless the owner already owns
// maxScheduledRoomsPerUser of them, returning -1 when the cap is hit.
func (c *Capturer) NewScheduledRoom(r store.ScheduledRoom, ownerId int32) (int32, error) {
	count, err := c.store.CountScheduledRoomsOwnedByUser(ownerId)
	if err != nil {
		return -1, err
	}
	if count >= maxScheduledRoomsPerUser {
		return -1, nil
	}
	return c.store.InsertScheduledRoom(r)
}

// NewScheduledRoomAttendance records a user's intent to attend a scheduled
// room, rejecting both re-declarations and attendance for a room that no
// longer exists.
func (c *Capturer) NewScheduledRoomAttendance(a store.ScheduledRoomAttendance) (types.CaptureResult, error) {
	// the scheduled room itself must still exist
	room, err := c.store.SelectScheduledRoomById(a.ScheduledRoomId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	if room == nil {
		return types.CaptureErr("that scheduled room no longer exists"), nil
	}

	dup, err := c.store.SelectScheduledRoomAttendance(a.UserId, a.ScheduledRoomId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	if dup != nil {
		return types.CaptureErr("you already declared you are attending this room"), nil
	}

	if err := c.store.InsertScheduledRoomAttendance(a); err != nil {
		return types.CaptureResult{}, err
	}
	return types.Ok("attendance recorded"), nil
}

// NewFollower records follower following user, rejecting a dangling target
// user and a duplicate follow.
func (c *Capturer) NewFollower(f store.Follower) (types.CaptureResult, error) {
	target, err := c.store.SelectUserById(f.UserId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	if target == nil {
		return types.CaptureErr("that user does not exist"), nil
	}

	dup, err := c.store.SelectFollower(f.FollowerId, f.UserId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	if dup != nil {
		return types.CaptureErr("you are already following this user"), nil
	}

	if err := c.store.InsertFollower(f); err != nil {
		return types.CaptureResult{}, err
	}
	return types.Ok("now following"), nil
}

// NewUserBlock records owner blocking blocked, rejecting a dangling target
// and a duplicate block.
func (c *Capturer) NewUserBlock(b store.UserBlock) (types.CaptureResult, error) {
	target, err := c.store.SelectUserById(b.BlockedUserId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	if target == nil {
		return types.CaptureErr("that user does not exist"), nil
	}

	dup, err := c.store.SelectUserBlock(b.OwnerUserId, b.BlockedUserId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	if dup != nil {
		return types.CaptureErr("this user is already blocked"), nil
	}

	if err := c.store.InsertUserBlock(b); err != nil {
		return types.CaptureResult{}, err
	}
	return types.Ok("user blocked"), nil
}

// NewRoomBlock records a room-scoped block, rejecting a dangling target user
// and a duplicate block.
func (c *Capturer) NewRoomBlock(b store.RoomBlock) (types.CaptureResult, error) {
	target, err := c.store.SelectUserById(b.BlockedUserId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	if target == nil {
		return types.CaptureErr("that user does not exist"), nil
	}

	dup, err := c.store.SelectRoomBlock(b.OwnerRoomId, b.BlockedUserId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	if dup != nil {
		return types.CaptureErr("this user is already blocked for this room"), nil
	}

	if err := c.store.InsertRoomBlock(b); err != nil {
		return types.CaptureResult{}, err
	}
	return types.Ok("room block added"), nil
}

// RemoveUserBlock deletes a user block, requiring exactly one row removed.
func (c *Capturer) RemoveUserBlock(ownerId, blockedId int32) (types.CaptureResult, error) {
	n, err := c.store.DeleteUserBlock(ownerId, blockedId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	return removalResult(n, 1, "user block successfully removed", "unexpected error removing user block"), nil
}

// RemoveRoomBlock deletes a room-scoped block, requiring exactly one row removed.
func (c *Capturer) RemoveRoomBlock(ownerRoomId, blockedId int32) (types.CaptureResult, error) {
	n, err := c.store.DeleteRoomBlock(ownerRoomId, blockedId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	return removalResult(n, 1, "room block successfully removed", "unexpected error removing room block"), nil
}

// RemoveFollower deletes a follow relationship, requiring exactly one row removed.
func (c *Capturer) RemoveFollower(followerId, userId int32) (types.CaptureResult, error) {
	n, err := c.store.DeleteFollower(followerId, userId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	return removalResult(n, 1, "successfully unfollowed user", "unexpected error unfollowing user"), nil
}

// RemoveRoom deletes a room and its dependent rows, requiring exactly one room row removed.
func (c *Capturer) RemoveRoom(roomId int32) (types.CaptureResult, error) {
	n, err := c.store.DeleteRoom(roomId)
	if err != nil {
		return types.CaptureResult{}, err
	}
	return removalResult(n, 1, "room removed", "unexpected error removing room"), nil
}

func removalResult(got, want int64, okDesc, errDesc string) types.CaptureResult {
	if got == want {
		return types.Ok(okDesc)
	}
	return types.CaptureErr(errDesc)
}
