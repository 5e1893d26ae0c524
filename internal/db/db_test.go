package db

import (
	"errors"
	"testing"

	"github.com/Sammyduzit/the-gathering/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := Connect(DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))
	t.Cleanup(func() { _ = Close(gdb) })
	return gdb
}

func uintPtr(v uint) *uint { return &v }

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("mysql", "dsn")
	assert.Error(t, err)
}

func TestMigrate_ActiveRoomNameUnique(t *testing.T) {
	gdb := setupTestDB(t)

	first := models.Room{Name: "lobby", IsActive: true}
	require.NoError(t, gdb.Create(&first).Error)

	dup := models.Room{Name: "lobby", IsActive: true}
	err := gdb.Create(&dup).Error
	require.Error(t, err)
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "got %v", err)

	require.NoError(t, gdb.Model(&first).Update("is_active", false).Error)
	reuse := models.Room{Name: "lobby", IsActive: true}
	assert.NoError(t, gdb.Create(&reuse).Error)
}

func TestMigrate_MessageTargetCheck(t *testing.T) {
	gdb := setupTestDB(t)

	room := models.Room{Name: "hall", IsActive: true}
	require.NoError(t, gdb.Create(&room).Error)

	// 绕过 BeforeCreate，直接验证数据库层的 CHECK 约束。
	err := gdb.Exec(
		"INSERT INTO messages (sender_id, room_id, conversation_id, content, message_type, sent_at) VALUES (1, ?, ?, 'x', 'text', CURRENT_TIMESTAMP)",
		room.ID, 7,
	).Error
	assert.Error(t, err)

	err = gdb.Exec(
		"INSERT INTO messages (sender_id, content, message_type, sent_at) VALUES (1, 'x', 'text', CURRENT_TIMESTAMP)",
	).Error
	assert.Error(t, err)

	ok := models.Message{SenderID: 1, RoomID: uintPtr(room.ID), Content: "hi"}
	require.NoError(t, gdb.Create(&ok).Error)
	assert.Equal(t, models.MessageTypeText, ok.MessageType)
	assert.False(t, ok.SentAt.IsZero())
}

func TestMigrate_ParticipantUnique(t *testing.T) {
	gdb := setupTestDB(t)

	p := models.ConversationParticipant{ConversationID: 1, UserID: 2}
	require.NoError(t, gdb.Create(&p).Error)
	again := models.ConversationParticipant{ConversationID: 1, UserID: 2}
	err := gdb.Create(&again).Error
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "got %v", err)
}
