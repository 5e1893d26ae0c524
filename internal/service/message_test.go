package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Sammyduzit/the-gathering/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRoomMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "Hall", nil)
	alice := f.user(t, "alice")

	// 未加入房间也可以发言
	msg, err := f.msgs.SendRoomMessage(ctx, alice, room.ID, "  Hello everyone!  ")
	require.NoError(t, err)
	assert.Equal(t, "Hello everyone!", msg.Content)
	assert.Equal(t, "alice", msg.SenderUsername)
	assert.Equal(t, models.MessageTypeText, msg.MessageType)
	require.NotNil(t, msg.RoomID)
	assert.Equal(t, room.ID, *msg.RoomID)
	assert.Nil(t, msg.ConversationID)
	assert.Equal(t, []string{EventMessage}, f.events.types(room.ID))

	tests := []struct {
		name    string
		roomID  uint
		content string
		kind    error
	}{
		{"empty", room.ID, "   ", ErrBadRequest},
		{"too long", room.ID, strings.Repeat("x", 501), ErrBadRequest},
		{"unknown room", 999, "hi", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.msgs.SendRoomMessage(ctx, alice, tt.roomID, tt.content)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	_, err = f.msgs.SendRoomMessage(ctx, alice, room.ID, strings.Repeat("é", 500))
	assert.NoError(t, err, "length is counted in characters")
}

func TestCreateMessage_TargetGuard(t *testing.T) {
	f := newFixture(t)
	roomID, convID := uint(1), uint(2)

	both := models.Message{SenderID: 1, RoomID: &roomID, ConversationID: &convID, Content: "x"}
	assert.ErrorIs(t, createMessage(f.db, &both), ErrConflict)

	neither := models.Message{SenderID: 1, Content: "x"}
	assert.ErrorIs(t, createMessage(f.db, &neither), ErrConflict)

	// BeforeCreate 兜底，绕过 createMessage 直接写入同样会被拒绝。
	assert.ErrorIs(t, f.db.Create(&models.Message{SenderID: 1, Content: "x"}).Error, models.ErrMessageTarget)

	var count int64
	require.NoError(t, f.db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestListRoomMessages_Pagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "Hall", nil)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	for i := 1; i <= 5; i++ {
		sender := alice
		if i%2 == 0 {
			sender = bob
		}
		_, err := f.msgs.SendRoomMessage(ctx, sender, room.ID, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	latest, total, err := f.msgs.ListRoomMessages(ctx, room.ID, Page{Page: 1, Size: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, latest, 2)
	assert.Equal(t, "m4", latest[0].Content)
	assert.Equal(t, "bob", latest[0].SenderUsername)
	assert.Equal(t, "m5", latest[1].Content)

	older, _, err := f.msgs.ListRoomMessages(ctx, room.ID, Page{Page: 3, Size: 2})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "m1", older[0].Content)

	_, _, err = f.msgs.ListRoomMessages(ctx, 999, Page{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, Page{Page: 1, Size: 50}, Page{}.Normalize())
	assert.Equal(t, Page{Page: 2, Size: 100}, Page{Page: 2, Size: 1000}.Normalize())
}
