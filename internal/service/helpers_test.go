package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Sammyduzit/the-gathering/internal/config"
	"github.com/Sammyduzit/the-gathering/internal/db"
	"github.com/Sammyduzit/the-gathering/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

func testConfig() config.Config {
	return config.Config{JWTSecret: "test-secret", Env: "test", AccessTokenTTLMinutes: 30}
}

type recordedEvent struct {
	roomID uint
	event  RoomEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(roomID uint, event any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{roomID: roomID, event: event.(RoomEvent)})
}

func (p *recordingPublisher) types(roomID uint) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.roomID == roomID {
			out = append(out, e.event.Type)
		}
	}
	return out
}

type fixture struct {
	db      *gorm.DB
	events  *recordingPublisher
	auth    *AuthService
	rooms   *RoomService
	members *MembershipService
	msgs    *MessageService
	convs   *ConversationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := setupTestDB(t)
	pub := &recordingPublisher{}
	return &fixture{
		db:      gdb,
		events:  pub,
		auth:    NewAuthService(gdb, testConfig(), nil),
		rooms:   NewRoomService(gdb, pub),
		members: NewMembershipService(gdb, pub),
		msgs:    NewMessageService(gdb, pub),
		convs:   NewConversationService(gdb),
	}
}

func (f *fixture) user(t *testing.T, name string) *models.User {
	t.Helper()
	u, err := f.auth.Register(context.Background(), RegisterInput{
		Email:    name + "@example.com",
		Username: name,
		Password: "password123",
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) room(t *testing.T, name string, maxUsers *int) *models.Room {
	t.Helper()
	r, err := f.rooms.Create(context.Background(), RoomInput{Name: name, MaxUsers: maxUsers})
	require.NoError(t, err)
	return r
}

func intPtr(v int) *int { return &v }

func isKind(err, kind error) bool { return errors.Is(err, kind) }
