package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sammyduzit/the-gathering/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	roomNameMaxLen        = 100
	roomDescriptionMaxLen = 500
)

// RoomService 封装房间相关的业务逻辑：名称唯一、容量与激活状态。
type RoomService struct {
	db     *gorm.DB
	events Publisher
}

func NewRoomService(db *gorm.DB, events Publisher) *RoomService {
	return &RoomService{db: db, events: publisherOrNop(events)}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	MaxUsers    *int      `json:"max_users"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewRoomDTO(r *models.Room) RoomDTO {
	return RoomDTO{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		MaxUsers:    r.MaxUsers,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
	}
}

// RoomInput 是创建与更新共用的参数；更新时整体替换描述与容量。
type RoomInput struct {
	Name        string
	Description *string
	MaxUsers    *int
}

func (in *RoomInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return badRequestf("Room name is required")
	}
	if utf8.RuneCountInString(in.Name) > roomNameMaxLen {
		return badRequestf("Room name must be at most %d characters", roomNameMaxLen)
	}
	if in.Description != nil && utf8.RuneCountInString(*in.Description) > roomDescriptionMaxLen {
		return badRequestf("Room description must be at most %d characters", roomDescriptionMaxLen)
	}
	if in.MaxUsers != nil && *in.MaxUsers < 1 {
		return badRequestf("max_users must be at least 1")
	}
	return nil
}

// getActiveRoom 在给定事务内取激活房间；lock 为 true 时对房间行加锁，串行化并发加入。
func getActiveRoom(tx *gorm.DB, roomID uint, lock bool) (*models.Room, error) {
	q := tx.Where("id = ? AND is_active = ?", roomID, true)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var room models.Room
	if err := q.First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("Room with id %d not found", roomID)
		}
		return nil, fmt.Errorf("find room: %w", err)
	}
	return &room, nil
}

func validateNameUnique(tx *gorm.DB, name string, excludeID uint) error {
	q := tx.Model(&models.Room{}).Where("name = ? AND is_active = ?", name, true)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	taken, err := exists(q)
	if err != nil {
		return fmt.Errorf("check room name: %w", err)
	}
	if taken {
		return conflictf("Room name '%s' already exists", name)
	}
	return nil
}

func occupancy(tx *gorm.DB, roomID uint) (int64, error) {
	var count int64
	if err := tx.Model(&models.User{}).Where("current_room_id = ?", roomID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count occupants: %w", err)
	}
	return count, nil
}

// ValidateCapacity 在房间设置了上限且已满时返回 Conflict；未设置上限视为不限人数。
func ValidateCapacity(room *models.Room, current int64) error {
	if room.MaxUsers != nil && current >= int64(*room.MaxUsers) {
		return conflictf("Room '%s' is full (max %d users)", room.Name, *room.MaxUsers)
	}
	return nil
}

// GetActive 按 id 获取激活房间，不存在或已关闭时返回 NotFound。
func (s *RoomService) GetActive(ctx context.Context, roomID uint) (*models.Room, error) {
	return getActiveRoom(s.db.WithContext(ctx), roomID, false)
}

// ValidateNameUnique 检查激活房间中是否已有同名房间，excludeID 为 0 表示不排除。
func (s *RoomService) ValidateNameUnique(ctx context.Context, name string, excludeID uint) error {
	return validateNameUnique(s.db.WithContext(ctx), strings.TrimSpace(name), excludeID)
}

func (s *RoomService) Create(ctx context.Context, in RoomInput) (*models.Room, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	room := models.Room{Name: in.Name, Description: in.Description, MaxUsers: in.MaxUsers, IsActive: true}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := validateNameUnique(tx, in.Name, 0); err != nil {
			return err
		}
		return tx.Create(&room).Error
	})
	if err != nil {
		return nil, translateRoomErr(err, in.Name)
	}
	return &room, nil
}

// Update 只有在名称变化时才重新校验唯一性。
func (s *RoomService) Update(ctx context.Context, roomID uint, in RoomInput) (*models.Room, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	var room *models.Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		room, err = getActiveRoom(tx, roomID, true)
		if err != nil {
			return err
		}
		if in.Name != room.Name {
			if err := validateNameUnique(tx, in.Name, room.ID); err != nil {
				return err
			}
		}
		room.Name = in.Name
		room.Description = in.Description
		room.MaxUsers = in.MaxUsers
		return tx.Model(room).Select("Name", "Description", "MaxUsers").Updates(room).Error
	})
	if err != nil {
		return nil, translateRoomErr(err, in.Name)
	}
	return room, nil
}

// CloseResult 描述关闭房间时连带处理的数据。
type CloseResult struct {
	Room                  models.Room
	UsersKicked           int64
	ConversationsArchived int64
}

// SoftDelete 关闭房间：清空在房用户的 current_room_id 并把状态置为 away，同时归档房间内的会话。
// 消息历史保留。
func (s *RoomService) SoftDelete(ctx context.Context, roomID uint) (*CloseResult, error) {
	var res CloseResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := getActiveRoom(tx, roomID, true)
		if err != nil {
			return err
		}
		kicked := tx.Model(&models.User{}).Where("current_room_id = ?", roomID).
			Updates(map[string]any{"current_room_id": nil, "status": models.StatusAway})
		if kicked.Error != nil {
			return fmt.Errorf("evict occupants: %w", kicked.Error)
		}
		archived := tx.Model(&models.Conversation{}).Where("room_id = ? AND is_active = ?", roomID, true).
			Update("is_active", false)
		if archived.Error != nil {
			return fmt.Errorf("archive conversations: %w", archived.Error)
		}
		if err := tx.Model(room).Update("is_active", false).Error; err != nil {
			return fmt.Errorf("close room: %w", err)
		}
		room.IsActive = false
		res = CloseResult{Room: *room, UsersKicked: kicked.RowsAffected, ConversationsArchived: archived.RowsAffected}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(roomID, RoomEvent{Type: EventRoomClosed, RoomID: roomID, At: time.Now()})
	return &res, nil
}

func (s *RoomService) ListActive(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id asc").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func (s *RoomService) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Room{}).Where("is_active = ?", true).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count rooms: %w", err)
	}
	return count, nil
}

// Occupancy 统计指向该房间的用户数，不区分用户是否激活。
func (s *RoomService) Occupancy(ctx context.Context, roomID uint) (int64, error) {
	return occupancy(s.db.WithContext(ctx), roomID)
}

func translateRoomErr(err error, name string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return conflictf("Room name '%s' already exists", name)
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return fmt.Errorf("save room: %w", err)
}
