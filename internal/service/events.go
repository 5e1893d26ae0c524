package service

import (
	"time"

	"github.com/Sammyduzit/the-gathering/internal/models"
)

// Publisher 把房间内发生的变化推送给实时订阅者（websocket）。
type Publisher interface {
	Publish(roomID uint, event any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(uint, any) {}

func publisherOrNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventStatus     = "status"
	EventMessage    = "message"
	EventRoomClosed = "room_closed"
)

type RoomEvent struct {
	Type      string            `json:"type"`
	RoomID    uint              `json:"room_id"`
	UserID    uint              `json:"user_id,omitempty"`
	Username  string            `json:"username,omitempty"`
	Status    models.UserStatus `json:"status,omitempty"`
	UserCount *int64            `json:"user_count,omitempty"`
	Message   *MessageDTO       `json:"message,omitempty"`
	At        time.Time         `json:"at"`
}

func userEvent(typ string, roomID uint, u *models.User) RoomEvent {
	return RoomEvent{Type: typ, RoomID: roomID, UserID: u.ID, Username: u.Username, Status: u.Status, At: time.Now()}
}
