package store

import (
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Gateway is the single typed entry point onto the relational store. It is
// safe for concurrent use: gorm's *DB wraps a connection pool, not a single
// client, so callers need not serialize access behind a mutex the way the
// reference implementation's single-connection ExecutionHandler did.
type Gateway struct {
	db *gorm.DB
}

// NewGateway wraps an already-open *gorm.DB, letting tests inject an
// in-memory sqlite connection instead of a real postgres instance.
func NewGateway(db *gorm.DB) *Gateway {
	return &Gateway{db: db}
}

// Open connects to dsn and verifies connectivity before returning.
func Open(dsn string) (*Gateway, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}
	return &Gateway{db: db}, nil
}

// AutoMigrate creates/updates the tables backing every model. Production
// deployments are expected to use a migration tool; this exists for local
// development and tests, mirroring how the pack's other repos bootstrap
// their schema.
func (g *Gateway) AutoMigrate() error {
	return g.db.AutoMigrate(
		&User{}, &Room{}, &RoomPermission{}, &Follower{},
		&UserBlock{}, &RoomBlock{}, &ScheduledRoom{}, &ScheduledRoomAttendance{},
	)
}

func (g *Gateway) Ping() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// --- users ---

func (g *Gateway) InsertUser(u User) (int32, error) {
	if err := g.db.Create(&u).Error; err != nil {
		return 0, fmt.Errorf("store: insert user: %w", err)
	}
	return u.Id, nil
}

func (g *Gateway) SelectUserByProviderIds(githubId, discordId string) (*User, error) {
	var u User
	err := g.db.Where("github_id = ? AND discord_id = ?", githubId, discordId).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select user by provider ids: %w", err)
	}
	return &u, nil
}

func (g *Gateway) SelectUserById(id int32) (*User, error) {
	var u User
	err := g.db.Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select user by id: %w", err)
	}
	return &u, nil
}

// UpdateUser overwrites the mutable profile fields of an existing user.
func (g *Gateway) UpdateUser(u User) error {
	res := g.db.Model(&User{}).Where("id = ?", u.Id).Updates(map[string]any{
		"display_name": u.DisplayName,
		"avatar_url":   u.AvatarUrl,
	})
	if res.Error != nil {
		return fmt.Errorf("store: update user: %w", res.Error)
	}
	return nil
}

func (g *Gateway) SelectUsersByIds(ids []int32) ([]User, error) {
	var users []User
	if len(ids) == 0 {
		return users, nil
	}
	if err := g.db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: select users by ids: %w", err)
	}
	return users, nil
}

// --- rooms ---

func (g *Gateway) InsertRoom(r Room) (int32, error) {
	if err := g.db.Create(&r).Error; err != nil {
		return 0, fmt.Errorf("store: insert room: %w", err)
	}
	return r.Id, nil
}

func (g *Gateway) SelectRoom(roomId int32) (*Room, error) {
	var r Room
	err := g.db.Where("id = ?", roomId).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select room: %w", err)
	}
	return &r, nil
}

func (g *Gateway) UpdateRoomOwner(roomId, newOwnerId int32) error {
	res := g.db.Model(&Room{}).Where("id = ?", roomId).Update("owner_id", newOwnerId)
	if res.Error != nil {
		return fmt.Errorf("store: update room owner: %w", res.Error)
	}
	return nil
}

// DeleteRoom removes a room along with its permission and block rows.
// Returns the number of room rows affected (0 or 1).
func (g *Gateway) DeleteRoom(roomId int32) (int64, error) {
	var affected int64
	err := g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomId).Delete(&RoomPermission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_room_id = ?", roomId).Delete(&RoomBlock{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", roomId).Delete(&Room{})
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: delete room: %w", err)
	}
	return affected, nil
}

// --- scheduled rooms ---

func (g *Gateway) CountScheduledRoomsOwnedByUser(userId int32) (int64, error) {
	var count int64
	err := g.db.Model(&ScheduledRoomAttendance{}).
		Where("user_id = ? AND is_owner = ?", userId, true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count scheduled rooms: %w", err)
	}
	return count, nil
}

func (g *Gateway) InsertScheduledRoom(r ScheduledRoom) (int32, error) {
	if err := g.db.Create(&r).Error; err != nil {
		return 0, fmt.Errorf("store: insert scheduled room: %w", err)
	}
	return r.Id, nil
}

func (g *Gateway) SelectScheduledRoomById(id int32) (*ScheduledRoom, error) {
	var r ScheduledRoom
	err := g.db.Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select scheduled room by id: %w", err)
	}
	return &r, nil
}

func (g *Gateway) SelectAllScheduledRooms() ([]ScheduledRoom, error) {
	var rooms []ScheduledRoom
	if err := g.db.Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("store: select all scheduled rooms: %w", err)
	}
	return rooms, nil
}

func (g *Gateway) InsertScheduledRoomAttendance(a ScheduledRoomAttendance) error {
	if err := g.db.Create(&a).Error; err != nil {
		return fmt.Errorf("store: insert scheduled room attendance: %w", err)
	}
	return nil
}

func (g *Gateway) SelectScheduledRoomAttendance(userId, scheduledRoomId int32) (*ScheduledRoomAttendance, error) {
	var a ScheduledRoomAttendance
	err := g.db.Where("user_id = ? AND scheduled_room_id = ?", userId, scheduledRoomId).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select scheduled room attendance: %w", err)
	}
	return &a, nil
}

func (g *Gateway) SelectAttendanceForScheduledRoom(scheduledRoomId int32) ([]ScheduledRoomAttendance, error) {
	var rows []ScheduledRoomAttendance
	if err := g.db.Where("scheduled_room_id = ?", scheduledRoomId).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: select attendance for scheduled room: %w", err)
	}
	return rows, nil
}

func (g *Gateway) SelectAttendanceForUser(userId int32) ([]ScheduledRoomAttendance, error) {
	var rows []ScheduledRoomAttendance
	if err := g.db.Where("user_id = ?", userId).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: select attendance for user: %w", err)
	}
	return rows, nil
}

func (g *Gateway) DeleteScheduledRoom(id int32) (int64, error) {
	var affected int64
	err := g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scheduled_room_id = ?", id).Delete(&ScheduledRoomAttendance{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&ScheduledRoom{})
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: delete scheduled room: %w", err)
	}
	return affected, nil
}

// --- room permissions ---

func (g *Gateway) InsertRoomPermission(p RoomPermission) error {
	if err := g.db.Create(&p).Error; err != nil {
		return fmt.Errorf("store: insert room permission: %w", err)
	}
	return nil
}

func (g *Gateway) SelectRoomPermission(userId, roomId int32) (*RoomPermission, error) {
	var p RoomPermission
	err := g.db.Where("user_id = ? AND room_id = ?", userId, roomId).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select room permission: %w", err)
	}
	return &p, nil
}

func (g *Gateway) SelectRoomPermissionsForRoom(roomId int32) ([]RoomPermission, error) {
	var perms []RoomPermission
	if err := g.db.Where("room_id = ?", roomId).Find(&perms).Error; err != nil {
		return nil, fmt.Errorf("store: select room permissions for room: %w", err)
	}
	return perms, nil
}

// UpdateRoomPermission overwrites the whole permission row for (userId, roomId).
func (g *Gateway) UpdateRoomPermission(p RoomPermission) error {
	res := g.db.Model(&RoomPermission{}).
		Where("user_id = ? AND room_id = ?", p.UserId, p.RoomId).
		Updates(map[string]any{
			"is_mod":         p.IsMod,
			"is_speaker":     p.IsSpeaker,
			"asked_to_speak": p.AskedToSpeak,
		})
	if res.Error != nil {
		return fmt.Errorf("store: update room permission: %w", res.Error)
	}
	return nil
}

// --- followers ---

func (g *Gateway) InsertFollower(f Follower) error {
	if err := g.db.Create(&f).Error; err != nil {
		return fmt.Errorf("store: insert follower: %w", err)
	}
	return nil
}

func (g *Gateway) SelectFollower(followerId, userId int32) (*Follower, error) {
	var f Follower
	err := g.db.Where("follower_id = ? AND user_id = ?", followerId, userId).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select follower: %w", err)
	}
	return &f, nil
}

func (g *Gateway) SelectFollowersForUser(userId int32) ([]Follower, error) {
	var rows []Follower
	if err := g.db.Where("user_id = ?", userId).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: select followers for user: %w", err)
	}
	return rows, nil
}

func (g *Gateway) SelectFollowingForUser(followerId int32) ([]Follower, error) {
	var rows []Follower
	if err := g.db.Where("follower_id = ?", followerId).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: select following for user: %w", err)
	}
	return rows, nil
}

func (g *Gateway) DeleteFollower(followerId, userId int32) (int64, error) {
	res := g.db.Where("follower_id = ? AND user_id = ?", followerId, userId).Delete(&Follower{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: delete follower: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// --- user blocks ---

func (g *Gateway) InsertUserBlock(b UserBlock) error {
	if err := g.db.Create(&b).Error; err != nil {
		return fmt.Errorf("store: insert user block: %w", err)
	}
	return nil
}

func (g *Gateway) SelectUserBlock(ownerUserId, blockedUserId int32) (*UserBlock, error) {
	var b UserBlock
	err := g.db.Where("owner_user_id = ? AND blocked_user_id = ?", ownerUserId, blockedUserId).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select user block: %w", err)
	}
	return &b, nil
}

func (g *Gateway) SelectBlockedForUser(ownerUserId int32) ([]UserBlock, error) {
	var rows []UserBlock
	if err := g.db.Where("owner_user_id = ?", ownerUserId).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: select blocked for user: %w", err)
	}
	return rows, nil
}

func (g *Gateway) SelectBlockersForUser(blockedUserId int32) ([]UserBlock, error) {
	var rows []UserBlock
	if err := g.db.Where("blocked_user_id = ?", blockedUserId).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: select blockers for user: %w", err)
	}
	return rows, nil
}

func (g *Gateway) DeleteUserBlock(ownerUserId, blockedUserId int32) (int64, error) {
	res := g.db.Where("owner_user_id = ? AND blocked_user_id = ?", ownerUserId, blockedUserId).Delete(&UserBlock{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: delete user block: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// --- room blocks ---

func (g *Gateway) InsertRoomBlock(b RoomBlock) error {
	if err := g.db.Create(&b).Error; err != nil {
		return fmt.Errorf("store: insert room block: %w", err)
	}
	return nil
}

func (g *Gateway) SelectRoomBlock(ownerRoomId, blockedUserId int32) (*RoomBlock, error) {
	var b RoomBlock
	err := g.db.Where("owner_room_id = ? AND blocked_user_id = ?", ownerRoomId, blockedUserId).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select room block: %w", err)
	}
	return &b, nil
}

func (g *Gateway) SelectBlockedForRoom(ownerRoomId int32) ([]RoomBlock, error) {
	var rows []RoomBlock
	if err := g.db.Where("owner_room_id = ?", ownerRoomId).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: select blocked for room: %w", err)
	}
	return rows, nil
}

func (g *Gateway) DeleteRoomBlock(ownerRoomId, blockedUserId int32) (int64, error) {
	res := g.db.Where("owner_room_id = ? AND blocked_user_id = ?", ownerRoomId, blockedUserId).Delete(&RoomBlock{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: delete room block: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// --- user preview ---

// UserPreviewRow is the lightweight projection the fetch layer composes previews from.
type UserPreviewRow struct {
	Id          int32
	DisplayName string
	AvatarUrl   string
}

func (g *Gateway) SelectUserPreviews(ids []int32) ([]UserPreviewRow, error) {
	var rows []UserPreviewRow
	if len(ids) == 0 {
		return rows, nil
	}
	err := g.db.Model(&User{}).Where("id IN ?", ids).
		Select("id, display_name, avatar_url").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: select user previews: %w", err)
	}
	return rows, nil
}
