// Package store is the typed data-access layer over the relational store.
// Every exported Gateway method maps to exactly one domain intent; no
// caller sees a column name or a WHERE clause.
package store

import "time"

// User is the users table row (column order matches the reference schema).
type User struct {
	Id                 int32 `gorm:"primaryKey"`
	DisplayName        string
	AvatarUrl          string
	UserName           string
	LastOnline         string
	GithubId           string `gorm:"index:idx_user_provider_ids"`
	DiscordId          string `gorm:"index:idx_user_provider_ids"`
	GithubAccessToken  string
	DiscordAccessToken string
	Banned             bool
	BannedReason       string
	Bio                string
	Contributions      int32
	BannerUrl          string
}

func (User) TableName() string { return "users" }

// Room is the room table row.
type Room struct {
	Id       int32 `gorm:"primaryKey"`
	OwnerId  int32
	ChatMode string
}

func (Room) TableName() string { return "room" }

// RoomPermission is the room_permission table row.
type RoomPermission struct {
	Id           int32 `gorm:"primaryKey"`
	UserId       int32 `gorm:"index:idx_room_permission_user_room"`
	RoomId       int32 `gorm:"index:idx_room_permission_user_room"`
	IsMod        bool
	IsSpeaker    bool
	AskedToSpeak bool
}

func (RoomPermission) TableName() string { return "room_permission" }

// Follower is the follower table row: FollowerId follows UserId.
type Follower struct {
	Id         int32 `gorm:"primaryKey"`
	FollowerId int32 `gorm:"index:idx_follower_pair"`
	UserId     int32 `gorm:"index:idx_follower_pair"`
}

func (Follower) TableName() string { return "follower" }

// UserBlock is the user_block table row: OwnerUserId blocked BlockedUserId.
type UserBlock struct {
	Id            int32 `gorm:"primaryKey"`
	OwnerUserId   int32 `gorm:"index:idx_user_block_pair"`
	BlockedUserId int32 `gorm:"index:idx_user_block_pair"`
}

func (UserBlock) TableName() string { return "user_block" }

// RoomBlock is the room_block table row: OwnerRoomId blocked BlockedUserId.
type RoomBlock struct {
	Id            int32 `gorm:"primaryKey"`
	OwnerRoomId   int32 `gorm:"index:idx_room_block_pair"`
	BlockedUserId int32 `gorm:"index:idx_room_block_pair"`
}

func (RoomBlock) TableName() string { return "room_block" }

// ScheduledRoom is the scheduled_room table row.
type ScheduledRoom struct {
	Id            int32 `gorm:"primaryKey"`
	RoomName      string
	NumAttending  int32
	ScheduledFor  time.Time
	Description   string
}

func (ScheduledRoom) TableName() string { return "scheduled_room" }

// ScheduledRoomAttendance is the scheduled_room_attendance table row.
type ScheduledRoomAttendance struct {
	Id              int32 `gorm:"primaryKey"`
	UserId          int32
	ScheduledRoomId int32
	IsOwner         bool
}

func (ScheduledRoomAttendance) TableName() string { return "scheduled_room_attendance" }
