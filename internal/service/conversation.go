package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sammyduzit/the-gathering/internal/metrics"
	"github.com/Sammyduzit/the-gathering/internal/models"

	"gorm.io/gorm"
)

// ConversationService 管理房间内的私聊与群聊。
type ConversationService struct {
	db *gorm.DB
}

func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{db: db}
}

type ConversationSummary struct {
	ID               uint                    `json:"id"`
	Type             models.ConversationType `json:"type"`
	RoomID           uint                    `json:"room_id"`
	Participants     []string                `json:"participants"`
	ParticipantCount int                     `json:"participant_count"`
	CreatedAt        time.Time               `json:"created_at"`
}

type ParticipantDTO struct {
	ID        uint              `json:"id"`
	Username  string            `json:"username"`
	Status    models.UserStatus `json:"status"`
	AvatarURL string            `json:"avatar_url"`
}

// Create 创建会话：创建者必须在房间内，其他参与者须存在、激活且与创建者在同一房间。
// 返回会话及参与者总数（含创建者）。
func (s *ConversationService) Create(ctx context.Context, creator *models.User, usernames []string, typ models.ConversationType) (*models.Conversation, int, error) {
	if creator.CurrentRoomID == nil {
		return nil, 0, forbiddenf("User must be in a room to create conversations")
	}
	if !typ.Valid() {
		return nil, 0, badRequestf("Invalid conversation type '%s'", typ)
	}
	names := make([]string, 0, len(usernames))
	seen := make(map[string]struct{}, len(usernames))
	for _, n := range usernames {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if n == creator.Username {
			return nil, 0, badRequestf("Cannot add yourself as a participant")
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	if typ == models.ConversationPrivate && len(names) != 1 {
		return nil, 0, badRequestf("Private conversations require exactly 1 other participant")
	}
	if typ == models.ConversationGroup && len(names) < 1 {
		return nil, 0, badRequestf("Group conversations require at least 1 other participant")
	}

	roomID := *creator.CurrentRoomID
	conv := models.Conversation{RoomID: roomID, Type: typ, IsActive: true}
	if typ == models.ConversationPrivate {
		limit := 2
		conv.MaxParticipants = &limit
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := []uint{creator.ID}
		for _, n := range names {
			var u models.User
			if err := tx.Where("username = ?", n).First(&u).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return badRequestf("User '%s' not found", n)
				}
				return fmt.Errorf("find participant: %w", err)
			}
			if !u.IsActive {
				return badRequestf("User '%s' is not active", n)
			}
			if u.CurrentRoomID == nil || *u.CurrentRoomID != roomID {
				return badRequestf("User '%s' is not in the same room", n)
			}
			ids = append(ids, u.ID)
		}
		if err := tx.Create(&conv).Error; err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		now := time.Now()
		parts := make([]models.ConversationParticipant, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, models.ConversationParticipant{ConversationID: conv.ID, UserID: id, JoinedAt: now})
		}
		if err := tx.Create(&parts).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return conflictf("Participant listed twice")
			}
			return fmt.Errorf("add participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &conv, len(names) + 1, nil
}

// access 校验会话存在且用户是参与者。
func (s *ConversationService) access(tx *gorm.DB, conversationID, userID uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := tx.First(&conv, conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("Conversation not found")
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	ok, err := exists(tx.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID))
	if err != nil {
		return nil, fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return nil, forbiddenf("User is not a participant in this conversation")
	}
	return &conv, nil
}

// SendMessage 向会话发送消息；房间关闭后会话被归档，只读不可写。
func (s *ConversationService) SendMessage(ctx context.Context, sender *models.User, conversationID uint, content string) (*MessageDTO, error) {
	content, err := validateContent(content)
	if err != nil {
		return nil, err
	}
	tx := s.db.WithContext(ctx)
	conv, err := s.access(tx, conversationID, sender.ID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, badRequestf("Conversation is archived")
	}
	msg := models.Message{SenderID: sender.ID, ConversationID: &conv.ID, Content: content}
	if err := createMessage(tx, &msg); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("conversation").Inc()
	dto := newMessageDTO(&msg, sender.Username)
	return &dto, nil
}

func (s *ConversationService) ListMessages(ctx context.Context, user *models.User, conversationID uint, page Page) ([]MessageDTO, int64, error) {
	tx := s.db.WithContext(ctx)
	if _, err := s.access(tx, conversationID, user.ID); err != nil {
		return nil, 0, err
	}
	return listMessages(tx, tx.Model(&models.Message{}).Where("conversation_id = ?", conversationID), page)
}

type participantRow struct {
	ConversationID uint
	UserID         uint
	Username       string
}

// ListForUser 返回用户参与的激活会话，Participants 只列出其他人。
func (s *ConversationService) ListForUser(ctx context.Context, user *models.User) ([]ConversationSummary, error) {
	tx := s.db.WithContext(ctx)
	var convs []models.Conversation
	err := tx.Where("is_active = ? AND id IN (?)", true,
		tx.Model(&models.ConversationParticipant{}).Select("conversation_id").Where("user_id = ?", user.ID),
	).Order("id desc").Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]ConversationSummary, 0, len(convs))
	if len(convs) == 0 {
		return out, nil
	}

	ids := make([]uint, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	var rows []participantRow
	err = tx.Table("conversation_participants AS cp").
		Select("cp.conversation_id, cp.user_id, users.username").
		Joins("JOIN users ON users.id = cp.user_id").
		Where("cp.conversation_id IN ?", ids).
		Order("users.username asc").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list conversation participants: %w", err)
	}
	others := make(map[uint][]string, len(convs))
	counts := make(map[uint]int, len(convs))
	for _, r := range rows {
		counts[r.ConversationID]++
		if r.UserID != user.ID {
			others[r.ConversationID] = append(others[r.ConversationID], r.Username)
		}
	}
	for _, c := range convs {
		names := others[c.ID]
		if names == nil {
			names = []string{}
		}
		out = append(out, ConversationSummary{
			ID:               c.ID,
			Type:             c.Type,
			RoomID:           c.RoomID,
			Participants:     names,
			ParticipantCount: counts[c.ID],
			CreatedAt:        c.CreatedAt,
		})
	}
	return out, nil
}

func (s *ConversationService) Participants(ctx context.Context, user *models.User, conversationID uint) ([]ParticipantDTO, error) {
	tx := s.db.WithContext(ctx)
	if _, err := s.access(tx, conversationID, user.ID); err != nil {
		return nil, err
	}
	var out []ParticipantDTO
	err := tx.Table("users").
		Select("users.id, users.username, users.status, users.avatar_url").
		Joins("JOIN conversation_participants cp ON cp.user_id = users.id").
		Where("cp.conversation_id = ?", conversationID).
		Order("users.username asc").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if out == nil {
		out = []ParticipantDTO{}
	}
	return out, nil
}
