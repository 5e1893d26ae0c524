package service

import (
	"context"
	"strings"
	"testing"

	"github.com/Sammyduzit/the-gathering/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomCreate_NameUniqueAmongActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lobby := f.room(t, "Lobby", nil)
	assert.True(t, lobby.IsActive)
	assert.Nil(t, lobby.MaxUsers)

	_, err := f.rooms.Create(ctx, RoomInput{Name: "Lobby"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "Room name 'Lobby' already exists", err.Error())

	_, err = f.rooms.SoftDelete(ctx, lobby.ID)
	require.NoError(t, err)

	reborn, err := f.rooms.Create(ctx, RoomInput{Name: "Lobby"})
	require.NoError(t, err)
	assert.NotEqual(t, lobby.ID, reborn.ID)
}

func TestRoomCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   RoomInput
	}{
		{"blank name", RoomInput{Name: "   "}},
		{"zero capacity", RoomInput{Name: "tiny", MaxUsers: intPtr(0)}},
		{"long name", RoomInput{Name: strings.Repeat("x", 101)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.rooms.Create(ctx, tt.in)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestRoomUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.room(t, "Alpha", nil)
	f.room(t, "Beta", nil)

	desc := "renamed"
	updated, err := f.rooms.Update(ctx, a.ID, RoomInput{Name: "Alpha", Description: &desc, MaxUsers: intPtr(5)})
	require.NoError(t, err, "keeping the same name must not conflict with itself")
	assert.Equal(t, "renamed", *updated.Description)
	assert.Equal(t, 5, *updated.MaxUsers)

	_, err = f.rooms.Update(ctx, a.ID, RoomInput{Name: "Beta"})
	assert.ErrorIs(t, err, ErrConflict)

	renamed, err := f.rooms.Update(ctx, a.ID, RoomInput{Name: "Gamma"})
	require.NoError(t, err)
	assert.Equal(t, "Gamma", renamed.Name)
	assert.Nil(t, renamed.MaxUsers)

	stored, err := f.rooms.GetActive(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Gamma", stored.Name)

	_, err = f.rooms.Update(ctx, 999, RoomInput{Name: "Nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoomSoftDelete_Cascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "Hall", nil)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	_, err := f.members.Join(ctx, alice, room.ID)
	require.NoError(t, err)
	_, err = f.members.Join(ctx, bob, room.ID)
	require.NoError(t, err)
	_, _, err = f.convs.Create(ctx, alice, []string{"bob"}, models.ConversationPrivate)
	require.NoError(t, err)

	res, err := f.rooms.SoftDelete(ctx, room.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.UsersKicked)
	assert.EqualValues(t, 1, res.ConversationsArchived)
	assert.False(t, res.Room.IsActive)

	n, err := f.rooms.Occupancy(ctx, room.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	var u models.User
	require.NoError(t, f.db.First(&u, alice.ID).Error)
	assert.Nil(t, u.CurrentRoomID)
	assert.Equal(t, models.StatusAway, u.Status)

	_, err = f.rooms.GetActive(ctx, room.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.rooms.SoftDelete(ctx, room.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, f.events.types(room.ID), EventRoomClosed)
}

func TestRoomListAndCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.room(t, "A", nil)
	f.room(t, "B", nil)
	f.room(t, "C", nil)
	_, err := f.rooms.SoftDelete(ctx, a.ID)
	require.NoError(t, err)

	rooms, err := f.rooms.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "B", rooms[0].Name)

	n, err := f.rooms.CountActive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestValidateCapacity(t *testing.T) {
	tests := []struct {
		name    string
		max     *int
		current int64
		wantErr bool
	}{
		{"unlimited", nil, 1000, false},
		{"one slot left", intPtr(2), 1, false},
		{"full", intPtr(2), 2, true},
		{"over", intPtr(1), 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCapacity(&models.Room{Name: "r", MaxUsers: tt.max}, tt.current)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConflict)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNameUnique_Exclude(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.room(t, "Solo", nil)

	assert.ErrorIs(t, f.rooms.ValidateNameUnique(ctx, "Solo", 0), ErrConflict)
	assert.NoError(t, f.rooms.ValidateNameUnique(ctx, "Solo", r.ID))
	assert.NoError(t, f.rooms.ValidateNameUnique(ctx, "Other", 0))
}
