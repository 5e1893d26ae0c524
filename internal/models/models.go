package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// UserStatus 是用户的在线状态。
type UserStatus string

const (
	StatusAvailable UserStatus = "available"
	StatusBusy      UserStatus = "busy"
	StatusAway      UserStatus = "away"
)

// Valid 判断状态是否属于枚举值。
func (s UserStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusAway:
		return true
	}
	return false
}

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

func (t ConversationType) Valid() bool {
	return t == ConversationPrivate || t == ConversationGroup
}

const MessageTypeText = "text"

type User struct {
	ID            uint       `gorm:"primaryKey"`
	Email         string     `gorm:"uniqueIndex;size:255;not null"`
	Username      string     `gorm:"uniqueIndex;size:20;not null"`
	PasswordHash  string     `gorm:"not null"`
	AvatarURL     string     `gorm:"size:255"`
	IsActive      bool       `gorm:"not null"`
	IsAdmin       bool       `gorm:"not null"`
	Status        UserStatus `gorm:"size:16;not null"`
	CurrentRoomID *uint      `gorm:"index"`
	LastActive    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Room 的名称只在激活房间之间唯一，软删除后名称可复用。
type Room struct {
	ID          uint    `gorm:"primaryKey"`
	Name        string  `gorm:"size:100;not null;uniqueIndex:idx_rooms_active_name,where:is_active = true"`
	Description *string `gorm:"type:text"`
	MaxUsers    *int
	IsActive    bool `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Conversation struct {
	ID              uint             `gorm:"primaryKey"`
	RoomID          uint             `gorm:"index;not null"`
	Type            ConversationType `gorm:"size:16;not null"`
	MaxParticipants *int
	IsActive        bool `gorm:"not null"`
	CreatedAt       time.Time
}

type ConversationParticipant struct {
	ID             uint      `gorm:"primaryKey"`
	ConversationID uint      `gorm:"not null;uniqueIndex:idx_conversation_user"`
	UserID         uint      `gorm:"not null;uniqueIndex:idx_conversation_user;index"`
	JoinedAt       time.Time `gorm:"not null"`
}

// Message 必须且只能归属于房间或会话之一。
type Message struct {
	ID             uint      `gorm:"primaryKey"`
	SenderID       uint      `gorm:"index;not null"`
	RoomID         *uint     `gorm:"index:idx_msg_room;check:chk_messages_target,(room_id IS NULL) <> (conversation_id IS NULL)"`
	ConversationID *uint     `gorm:"index:idx_msg_conversation"`
	Content        string    `gorm:"type:text;not null"`
	MessageType    string    `gorm:"size:16;not null"`
	SentAt         time.Time `gorm:"index;not null"`
}

var ErrMessageTarget = errors.New("message must belong to exactly one of room or conversation")

// ValidateTarget 校验房间/会话二选一。
func (m *Message) ValidateTarget() error {
	if (m.RoomID == nil) == (m.ConversationID == nil) {
		return ErrMessageTarget
	}
	return nil
}

// BeforeCreate 在写入前兜底校验，任何创建路径都会经过这里。
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if err := m.ValidateTarget(); err != nil {
		return err
	}
	if m.MessageType == "" {
		m.MessageType = MessageTypeText
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	return nil
}
