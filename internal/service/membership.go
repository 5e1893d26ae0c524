package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sammyduzit/the-gathering/internal/metrics"
	"github.com/Sammyduzit/the-gathering/internal/models"

	"gorm.io/gorm"
)

// MembershipService 处理加入/离开房间与在线状态。房间成员关系来自 users.current_room_id。
type MembershipService struct {
	db     *gorm.DB
	events Publisher
}

func NewMembershipService(db *gorm.DB, events Publisher) *MembershipService {
	return &MembershipService{db: db, events: publisherOrNop(events)}
}

type JoinResult struct {
	Room      models.Room
	UserCount int64
}

// OccupantDTO 是房间成员列表中的一项。
type OccupantDTO struct {
	ID         uint              `json:"id"`
	Username   string            `json:"username"`
	AvatarURL  string            `json:"avatar_url"`
	Status     models.UserStatus `json:"status"`
	LastActive time.Time         `json:"last_active"`
}

func reloadUser(tx *gorm.DB, userID uint) (*models.User, error) {
	var u models.User
	if err := tx.First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("User with id %d not found", userID)
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

// Join 在同一事务中锁定房间行、统计人数、校验容量并写入成员关系，返回加入后的人数。
// 已在该房间时直接返回当前人数；在其他房间时会被移到新房间。
func (s *MembershipService) Join(ctx context.Context, user *models.User, roomID uint) (*JoinResult, error) {
	var (
		res      JoinResult
		previous *uint
		already  bool
	)
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := getActiveRoom(tx, roomID, true)
		if err != nil {
			return err
		}
		u, err := reloadUser(tx, user.ID)
		if err != nil {
			return err
		}
		res.Room = *room
		if u.CurrentRoomID != nil && *u.CurrentRoomID == roomID {
			already = true
			res.UserCount, err = occupancy(tx, roomID)
			return err
		}
		count, err := occupancy(tx, roomID)
		if err != nil {
			return err
		}
		if err := ValidateCapacity(room, count); err != nil {
			return err
		}
		previous = u.CurrentRoomID
		err = tx.Model(&models.User{}).Where("id = ?", u.ID).Updates(map[string]any{
			"current_room_id": roomID,
			"status":          models.StatusAvailable,
			"last_active":     now,
		}).Error
		if err != nil {
			return fmt.Errorf("assign room: %w", err)
		}
		res.UserCount, err = occupancy(tx, roomID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if already {
		return &res, nil
	}

	user.CurrentRoomID = &roomID
	user.Status = models.StatusAvailable
	user.LastActive = now
	metrics.RoomJoinsTotal.Inc()
	if previous != nil {
		s.events.Publish(*previous, userEvent(EventLeave, *previous, user))
	}
	evt := userEvent(EventJoin, roomID, user)
	evt.UserCount = &res.UserCount
	s.events.Publish(roomID, evt)
	return &res, nil
}

// Leave 要求用户当前就在该房间，否则返回 BadRequest。
func (s *MembershipService) Leave(ctx context.Context, user *models.User, roomID uint) (*models.Room, error) {
	var room *models.Room
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		room, err = getActiveRoom(tx, roomID, false)
		if err != nil {
			return err
		}
		u, err := reloadUser(tx, user.ID)
		if err != nil {
			return err
		}
		if u.CurrentRoomID == nil || *u.CurrentRoomID != roomID {
			return badRequestf("User is not in room '%s'", room.Name)
		}
		err = tx.Model(&models.User{}).Where("id = ?", u.ID).Updates(map[string]any{
			"current_room_id": nil,
			"status":          models.StatusAway,
			"last_active":     now,
		}).Error
		if err != nil {
			return fmt.Errorf("clear room: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	user.CurrentRoomID = nil
	user.Status = models.StatusAway
	user.LastActive = now
	s.events.Publish(roomID, userEvent(EventLeave, roomID, user))
	return room, nil
}

// ListOccupants 返回房间内的激活用户，按用户名升序。
func (s *MembershipService) ListOccupants(ctx context.Context, roomID uint) (*models.Room, []OccupantDTO, error) {
	tx := s.db.WithContext(ctx)
	room, err := getActiveRoom(tx, roomID, false)
	if err != nil {
		return nil, nil, err
	}
	var users []models.User
	err = tx.Where("current_room_id = ? AND is_active = ?", roomID, true).Order("username asc").Find(&users).Error
	if err != nil {
		return nil, nil, fmt.Errorf("list occupants: %w", err)
	}
	out := make([]OccupantDTO, 0, len(users))
	for _, u := range users {
		out = append(out, OccupantDTO{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL, Status: u.Status, LastActive: u.LastActive})
	}
	return room, out, nil
}

// UpdateStatus 修改在线状态，与是否在房间无关。
func (s *MembershipService) UpdateStatus(ctx context.Context, user *models.User, status models.UserStatus) error {
	if !status.Valid() {
		return badRequestf("Invalid status '%s'", status)
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"status":      status,
		"last_active": now,
	}).Error
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	user.Status = status
	user.LastActive = now
	if user.CurrentRoomID != nil {
		s.events.Publish(*user.CurrentRoomID, userEvent(EventStatus, *user.CurrentRoomID, user))
	}
	return nil
}
