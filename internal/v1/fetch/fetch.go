// Package fetch is the read-side aggregation layer over the store: it
// composes raw rows into the sets and viewer-relative records the room and
// request handlers need, each wrapped in a uniform (encountered_error,
// value) shape so the caller can tell a store failure apart from an empty
// result.
package fetch

import (
	"github.com/collab-audio/roomcore/internal/v1/store"
	"github.com/collab-audio/roomcore/internal/v1/types"
)

type Fetcher struct {
	store *store.Gateway
}

func New(g *store.Gateway) *Fetcher {
	return &Fetcher{store: g}
}

// GetBlockedUserIdsForRoom returns the set of user ids blocked from room.
func (f *Fetcher) GetBlockedUserIdsForRoom(roomId int32) (bool, map[int32]struct{}) {
	rows, err := f.store.SelectBlockedForRoom(roomId)
	if err != nil {
		return true, nil
	}
	set := make(map[int32]struct{}, len(rows))
	for _, r := range rows {
		set[r.BlockedUserId] = struct{}{}
	}
	return false, set
}

// GetFollowerUserIdsForUser returns the set of user ids following userId.
func (f *Fetcher) GetFollowerUserIdsForUser(userId int32) (bool, map[int32]struct{}) {
	rows, err := f.store.SelectFollowersForUser(userId)
	if err != nil {
		return true, nil
	}
	set := make(map[int32]struct{}, len(rows))
	for _, r := range rows {
		set[r.FollowerId] = struct{}{}
	}
	return false, set
}

// GetFollowingUserIdsForUser returns the set of user ids userId follows.
func (f *Fetcher) GetFollowingUserIdsForUser(userId int32) (bool, map[int32]struct{}) {
	rows, err := f.store.SelectFollowingForUser(userId)
	if err != nil {
		return true, nil
	}
	set := make(map[int32]struct{}, len(rows))
	for _, r := range rows {
		set[r.UserId] = struct{}{}
	}
	return false, set
}

// GetBlockedUserIdsForUser returns the set of user ids userId has blocked.
func (f *Fetcher) GetBlockedUserIdsForUser(userId int32) (bool, map[int32]struct{}) {
	rows, err := f.store.SelectBlockedForUser(userId)
	if err != nil {
		return true, nil
	}
	set := make(map[int32]struct{}, len(rows))
	for _, r := range rows {
		set[r.BlockedUserId] = struct{}{}
	}
	return false, set
}

// GetRoomOwnerAndSettings returns the room's owner id and chat mode.
func (f *Fetcher) GetRoomOwnerAndSettings(roomId int32) (encounteredError bool, ownerId int32, chatMode string) {
	room, err := f.store.SelectRoom(roomId)
	if err != nil || room == nil {
		return true, 0, ""
	}
	return false, room.OwnerId, room.ChatMode
}

// GetRoomPermissionsForUsers returns every user's permissions in roomId.
func (f *Fetcher) GetRoomPermissionsForUsers(roomId int32) (bool, map[int32]types.RoomPermissions) {
	rows, err := f.store.SelectRoomPermissionsForRoom(roomId)
	if err != nil {
		return true, nil
	}
	out := make(map[int32]types.RoomPermissions, len(rows))
	for _, r := range rows {
		out[r.UserId] = types.RoomPermissions{
			AskedToSpeak: r.AskedToSpeak,
			IsSpeaker:    r.IsSpeaker,
			IsMod:        r.IsMod,
		}
	}
	return false, out
}

// GetUserPreviewsForUsers returns the lightweight preview for each id.
func (f *Fetcher) GetUserPreviewsForUsers(ids []int32) (bool, map[int32]types.UserPreview) {
	rows, err := f.store.SelectUserPreviews(ids)
	if err != nil {
		return true, nil
	}
	out := make(map[int32]types.UserPreview, len(rows))
	for _, r := range rows {
		out[r.Id] = types.UserPreview{DisplayName: r.DisplayName, AvatarUrl: r.AvatarUrl}
	}
	return false, out
}

// GetUsersForUser composes a viewer-relative User record for each id in
// ids, filling you_are_following / follows_you / they_blocked_you /
// i_blocked_them relative to viewerId.
func (f *Fetcher) GetUsersForUser(viewerId int32, ids []int32) (bool, []types.User) {
	errFollowing, viewerFollowing := f.GetFollowingUserIdsForUser(viewerId)
	errBlockedByViewer, viewerBlocked := f.GetBlockedUserIdsForUser(viewerId)
	if errFollowing || errBlockedByViewer {
		return true, nil
	}

	out := make([]types.User, 0, len(ids))
	for _, id := range ids {
		row, err := f.store.SelectUserById(id)
		if err != nil || row == nil {
			continue
		}

		errFollowers, followers := f.GetFollowerUserIdsForUser(id)
		errFollowingThem, following := f.GetFollowingUserIdsForUser(id)
		errBlockedByThem, blockedByThem := f.GetBlockedUserIdsForUser(id)
		if errFollowers || errFollowingThem || errBlockedByThem {
			return true, nil
		}

		_, followsViewer := viewerFollowing[id]
		_, theyBlockedYou := blockedByThem[viewerId]
		_, youBlockedThem := viewerBlocked[id]
		_, followsYou := following[viewerId]

		out = append(out, types.User{
			YouAreFollowing: followsViewer,
			Username:        row.UserName,
			TheyBlockedYou:  theyBlockedYou,
			NumFollowing:    len(following),
			NumFollowers:    len(followers),
			LastOnline:      row.LastOnline,
			UserId:          int(row.Id),
			FollowsYou:      followsYou,
			Contributions:   int(row.Contributions),
			DisplayName:     row.DisplayName,
			Bio:             row.Bio,
			AvatarUrl:       row.AvatarUrl,
			BannerUrl:       row.BannerUrl,
			IBlockedThem:    youBlockedThem,
		})
	}
	return false, out
}

// GetSingleUserForUser is GetUsersForUser narrowed to one id, for
// my_data/single_user_data requests.
func (f *Fetcher) GetSingleUserForUser(viewerId, targetId int32) (bool, *types.User) {
	encounteredError, users := f.GetUsersForUser(viewerId, []int32{targetId})
	if encounteredError {
		return true, nil
	}
	if len(users) == 0 {
		return false, nil
	}
	return false, &users[0]
}
