package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sammyduzit/the-gathering/internal/metrics"
	"github.com/Sammyduzit/the-gathering/internal/models"

	"gorm.io/gorm"
)

const (
	contentMaxLen   = 500
	defaultPageSize = 50
	maxPageSize     = 100
)

// MessageService 封装房间消息相关的业务逻辑。
type MessageService struct {
	db     *gorm.DB
	events Publisher
}

func NewMessageService(db *gorm.DB, events Publisher) *MessageService {
	return &MessageService{db: db, events: publisherOrNop(events)}
}

// MessageDTO 是对外输出的消息数据，SenderUsername 只在输出时填充，不落库。
type MessageDTO struct {
	ID             uint      `json:"id"`
	SenderID       uint      `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	SentAt         time.Time `json:"sent_at"`
	RoomID         *uint     `json:"room_id"`
	ConversationID *uint     `json:"conversation_id"`
}

func newMessageDTO(m *models.Message, username string) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		SenderID:       m.SenderID,
		SenderUsername: username,
		Content:        m.Content,
		MessageType:    m.MessageType,
		SentAt:         m.SentAt,
		RoomID:         m.RoomID,
		ConversationID: m.ConversationID,
	}
}

// Page 是分页参数，Normalize 后 Page>=1 且 1<=Size<=100。
type Page struct {
	Page int
	Size int
}

func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Size }

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n < 1 || n > contentMaxLen {
		return "", badRequestf("Message content must be between 1 and %d characters", contentMaxLen)
	}
	return content, nil
}

// createMessage 是所有消息写入的唯一入口，先校验房间/会话二选一。
func createMessage(tx *gorm.DB, msg *models.Message) error {
	if err := msg.ValidateTarget(); err != nil {
		return conflictf("%s", err.Error())
	}
	if err := tx.Create(msg).Error; err != nil {
		if errors.Is(err, models.ErrMessageTarget) {
			return conflictf("%s", err.Error())
		}
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// SendRoomMessage 向激活房间发送消息，不要求发送者已加入该房间。
func (s *MessageService) SendRoomMessage(ctx context.Context, sender *models.User, roomID uint, content string) (*MessageDTO, error) {
	content, err := validateContent(content)
	if err != nil {
		return nil, err
	}
	tx := s.db.WithContext(ctx)
	if _, err := getActiveRoom(tx, roomID, false); err != nil {
		return nil, err
	}
	msg := models.Message{SenderID: sender.ID, RoomID: &roomID, Content: content}
	if err := createMessage(tx, &msg); err != nil {
		return nil, err
	}
	dto := newMessageDTO(&msg, sender.Username)
	metrics.MessagesTotal.WithLabelValues("room").Inc()
	s.events.Publish(roomID, RoomEvent{Type: EventMessage, RoomID: roomID, UserID: sender.ID, Username: sender.Username, Message: &dto, At: msg.SentAt})
	return &dto, nil
}

// ListRoomMessages 分页返回房间消息，第一页为最新的消息，页内按时间升序。
func (s *MessageService) ListRoomMessages(ctx context.Context, roomID uint, page Page) ([]MessageDTO, int64, error) {
	tx := s.db.WithContext(ctx)
	if _, err := getActiveRoom(tx, roomID, false); err != nil {
		return nil, 0, err
	}
	return listMessages(tx, tx.Model(&models.Message{}).Where("room_id = ?", roomID), page)
}

func listMessages(tx *gorm.DB, scope *gorm.DB, page Page) ([]MessageDTO, int64, error) {
	page = page.Normalize()
	var total int64
	if err := scope.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	var msgs []models.Message
	if err := scope.Session(&gorm.Session{}).Order("id desc").Offset(page.offset()).Limit(page.Size).Find(&msgs).Error; err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := resolveUsernames(tx, msgs)
	if err != nil {
		return nil, 0, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for i := range msgs {
		out = append(out, newMessageDTO(&msgs[i], usernames[msgs[i].SenderID]))
	}
	return out, total, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func resolveUsernames(tx *gorm.DB, msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := tx.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, fmt.Errorf("resolve usernames: %w", err)
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
