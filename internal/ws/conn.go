package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sammyduzit/the-gathering/internal/auth"
	"github.com/Sammyduzit/the-gathering/internal/models"
	"github.com/Sammyduzit/the-gathering/internal/mw"
	"github.com/Sammyduzit/the-gathering/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 << 10
)

// RoomLookup 用于在升级连接前确认房间仍然激活。
type RoomLookup interface {
	GetActive(ctx context.Context, roomID uint) (*models.Room, error)
}

// MessageSender 持久化客户端通过 websocket 发出的房间消息。
type MessageSender interface {
	SendRoomMessage(ctx context.Context, sender *models.User, roomID uint, content string) (*service.MessageDTO, error)
}

type Client struct {
	room   *RoomHub
	conn   *websocket.Conn
	send   chan []byte
	msgs   MessageSender
	user   *models.User
	userID uint
	uname  string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type InboundMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	IsTyping bool   `json:"is_typing"`
}

type typingEvent struct {
	Type     string    `json:"type"`
	RoomID   uint      `json:"room_id"`
	UserID   uint      `json:"user_id"`
	Username string    `json:"username"`
	IsTyping bool      `json:"is_typing"`
	At       time.Time `json:"at"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Serve 把 /rooms/:id/ws 升级为事件流；token 可放在 query 或 Authorization 头中，
// 调用者必须已经加入该房间。
func Serve(h *Hub, resolver auth.Resolver, rooms RoomLookup, msgs MessageSender) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid64, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || rid64 == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
			return
		}
		roomID := uint(rid64)

		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			token = auth.BearerToken(c)
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		user, _, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			mw.Logger(c).Error().Err(err).Uint("room_id", roomID).Msg("ws resolve token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		if _, err := rooms.GetActive(c.Request.Context(), roomID); err != nil {
			if errors.Is(err, service.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			mw.Logger(c).Error().Err(err).Uint("room_id", roomID).Msg("ws room lookup")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		if user.CurrentRoomID == nil || *user.CurrentRoomID != roomID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Join the room before subscribing to its events"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		rh := h.GetRoom(roomID)
		client := &Client{room: rh, conn: conn, send: make(chan []byte, 256), msgs: msgs, user: user, userID: user.ID, uname: user.Username}
		if !rh.join(client) {
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.room.leave(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Type {
		case "typing":
			// 输入状态只广播不落库
			evt := typingEvent{Type: "typing", RoomID: c.room.roomID, UserID: c.userID, Username: c.uname, IsTyping: in.IsTyping, At: time.Now()}
			if b, err := json.Marshal(evt); err == nil {
				c.room.publish(frame{data: b})
			}
		case "message":
			// 持久化后由 service 层通过 Hub.Publish 广播
			if _, err := c.msgs.SendRoomMessage(context.Background(), c.user, c.room.roomID, in.Content); err != nil {
				c.reject(err)
			}
		}
	}
}

// reject 只把错误回给发送者本人。
func (c *Client) reject(err error) {
	msg := err.Error()
	var se *service.Error
	if !errors.As(err, &se) {
		log.Error().Err(err).Uint("room_id", c.room.roomID).Uint("user_id", c.userID).Msg("ws send message")
		msg = "internal server error"
	}
	b, merr := json.Marshal(errorEvent{Type: "error", Error: msg})
	if merr != nil {
		return
	}
	c.room.whisper(c, b)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
