package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sammyduzit/the-gathering/internal/auth"
	"github.com/Sammyduzit/the-gathering/internal/models"
	"github.com/Sammyduzit/the-gathering/internal/service"

	"github.com/gin-gonic/gin"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	authSvc   *service.AuthService
	roomSvc   *service.RoomService
	memberSvc *service.MembershipService
	msgSvc    *service.MessageService
	convSvc   *service.ConversationService
}

func NewHandler(authSvc *service.AuthService, roomSvc *service.RoomService, memberSvc *service.MembershipService, msgSvc *service.MessageService, convSvc *service.ConversationService) *Handler {
	return &Handler{authSvc: authSvc, roomSvc: roomSvc, memberSvc: memberSvc, msgSvc: msgSvc, convSvc: convSvc}
}

type userResponse struct {
	ID            uint              `json:"id"`
	Email         string            `json:"email"`
	Username      string            `json:"username"`
	AvatarURL     string            `json:"avatar_url"`
	Status        models.UserStatus `json:"status"`
	IsActive      bool              `json:"is_active"`
	IsAdmin       bool              `json:"is_admin"`
	CurrentRoomID *uint             `json:"current_room_id"`
	CreatedAt     time.Time         `json:"created_at"`
}

func newUserResponse(u *models.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		Username:      u.Username,
		AvatarURL:     u.AvatarURL,
		Status:        u.Status,
		IsActive:      u.IsActive,
		IsAdmin:       u.IsAdmin,
		CurrentRoomID: u.CurrentRoomID,
		CreatedAt:     u.CreatedAt,
	}
}

// pathID 解析路径中的数字 id，失败时直接写 400。
func pathID(c *gin.Context, name, what string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " id"})
		return 0, false
	}
	return uint(v), true
}

type pageQuery struct {
	Page     int `form:"page" binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=100"`
}

func bindPage(c *gin.Context) (service.Page, bool) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return service.Page{}, false
	}
	return service.Page{Page: q.Page, Size: q.PageSize}.Normalize(), true
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Username string `json:"username" binding:"required,min=3,max=20"`
		Password string `json:"password" binding:"required,min=8,max=72"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	user, err := h.authSvc.Register(c.Request.Context(), service.RegisterInput{Email: req.Email, Username: req.Username, Password: req.Password})
	if err != nil {
		writeError(c, err, "register")
		return
	}
	c.JSON(http.StatusCreated, newUserResponse(user))
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	result, err := h.authSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, newUserResponse(auth.GetUser(c)))
}

// Logout 吊销当前 token。
func (h *Handler) Logout(c *gin.Context) {
	if err := h.authSvc.Logout(c.Request.Context(), auth.GetClaims(c)); err != nil {
		writeError(c, err, "logout")
		return
	}
	c.Status(http.StatusNoContent)
}

type roomRequest struct {
	Name        string  `json:"name" binding:"required,max=100"`
	Description *string `json:"description" binding:"omitempty,max=500"`
	MaxUsers    *int    `json:"max_users" binding:"omitempty,min=1"`
}

func (r roomRequest) input() service.RoomInput {
	return service.RoomInput{Name: r.Name, Description: r.Description, MaxUsers: r.MaxUsers}
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.ListActive(c.Request.Context())
	if err != nil {
		writeError(c, err, "list rooms")
		return
	}
	out := make([]service.RoomDTO, 0, len(rooms))
	for i := range rooms {
		out = append(out, service.NewRoomDTO(&rooms[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) CountRooms(c *gin.Context) {
	n, err := h.roomSvc.CountActive(c.Request.Context())
	if err != nil {
		writeError(c, err, "count rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_rooms": n})
}

// CreateRoom 仅管理员可用。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	room, err := h.roomSvc.Create(c.Request.Context(), req.input())
	if err != nil {
		writeError(c, err, "create room")
		return
	}
	c.JSON(http.StatusCreated, service.NewRoomDTO(room))
}

func (h *Handler) GetRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id", "room")
	if !ok {
		return
	}
	room, err := h.roomSvc.GetActive(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, err, "get room")
		return
	}
	c.JSON(http.StatusOK, service.NewRoomDTO(room))
}

// UpdateRoom 整体替换房间属性，未提供的描述与容量会被清空。
func (h *Handler) UpdateRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id", "room")
	if !ok {
		return
	}
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	room, err := h.roomSvc.Update(c.Request.Context(), roomID, req.input())
	if err != nil {
		writeError(c, err, "update room")
		return
	}
	c.JSON(http.StatusOK, service.NewRoomDTO(room))
}

func (h *Handler) DeleteRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id", "room")
	if !ok {
		return
	}
	res, err := h.roomSvc.SoftDelete(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, err, "delete room")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":                fmt.Sprintf("Room '%s' has been closed", res.Room.Name),
		"room_id":                res.Room.ID,
		"users_kicked":           res.UsersKicked,
		"conversations_archived": res.ConversationsArchived,
		"note":                   "Chat history remains accessible",
	})
}

func (h *Handler) JoinRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id", "room")
	if !ok {
		return
	}
	res, err := h.memberSvc.Join(c.Request.Context(), auth.GetUser(c), roomID)
	if err != nil {
		writeError(c, err, "join room")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    fmt.Sprintf("Successfully joined room '%s'", res.Room.Name),
		"room_id":    res.Room.ID,
		"room_name":  res.Room.Name,
		"user_count": res.UserCount,
	})
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id", "room")
	if !ok {
		return
	}
	room, err := h.memberSvc.Leave(c.Request.Context(), auth.GetUser(c), roomID)
	if err != nil {
		writeError(c, err, "leave room")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   fmt.Sprintf("Successfully left room '%s'", room.Name),
		"room_id":   room.ID,
		"room_name": room.Name,
	})
}

func (h *Handler) ListRoomUsers(c *gin.Context) {
	roomID, ok := pathID(c, "id", "room")
	if !ok {
		return
	}
	room, users, err := h.memberSvc.ListOccupants(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, err, "list room users")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":     room.ID,
		"room_name":   room.Name,
		"total_users": len(users),
		"users":       users,
	})
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status models.UserStatus `json:"status" binding:"required,presence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	user := auth.GetUser(c)
	if err := h.memberSvc.UpdateStatus(c.Request.Context(), user, req.Status); err != nil {
		writeError(c, err, "update status")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Status updated to %s", user.Status),
		"status":  user.Status,
	})
}

type messageRequest struct {
	Content string `json:"content" binding:"required,min=1,max=500"`
}

// SendRoomMessage 不要求发送者已加入房间。
func (h *Handler) SendRoomMessage(c *gin.Context) {
	roomID, ok := pathID(c, "id", "room")
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	msg, err := h.msgSvc.SendRoomMessage(c.Request.Context(), auth.GetUser(c), roomID, req.Content)
	if err != nil {
		writeError(c, err, "send room message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ListRoomMessages 返回一页消息，总数放在 X-Total-Count 头中。
func (h *Handler) ListRoomMessages(c *gin.Context) {
	roomID, ok := pathID(c, "id", "room")
	if !ok {
		return
	}
	page, ok := bindPage(c)
	if !ok {
		return
	}
	msgs, total, err := h.msgSvc.ListRoomMessages(c.Request.Context(), roomID, page)
	if err != nil {
		writeError(c, err, "list room messages")
		return
	}
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req struct {
		ParticipantUsernames []string                `json:"participant_usernames" binding:"required,min=1,dive,required"`
		ConversationType     models.ConversationType `json:"conversation_type" binding:"required,oneof=private group"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	conv, n, err := h.convSvc.Create(c.Request.Context(), auth.GetUser(c), req.ParticipantUsernames, req.ConversationType)
	if err != nil {
		writeError(c, err, "create conversation")
		return
	}
	kind := string(conv.Type)
	c.JSON(http.StatusCreated, gin.H{
		"message":         fmt.Sprintf("%s conversation created successfully", strings.ToUpper(kind[:1])+kind[1:]),
		"conversation_id": conv.ID,
		"participants":    n,
	})
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.convSvc.ListForUser(c.Request.Context(), auth.GetUser(c))
	if err != nil {
		writeError(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (h *Handler) SendConversationMessage(c *gin.Context) {
	convID, ok := pathID(c, "id", "conversation")
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	msg, err := h.convSvc.SendMessage(c.Request.Context(), auth.GetUser(c), convID, req.Content)
	if err != nil {
		writeError(c, err, "send conversation message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) ListConversationMessages(c *gin.Context) {
	convID, ok := pathID(c, "id", "conversation")
	if !ok {
		return
	}
	page, ok := bindPage(c)
	if !ok {
		return
	}
	msgs, total, err := h.convSvc.ListMessages(c.Request.Context(), auth.GetUser(c), convID, page)
	if err != nil {
		writeError(c, err, "list conversation messages")
		return
	}
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) ListConversationParticipants(c *gin.Context) {
	convID, ok := pathID(c, "id", "conversation")
	if !ok {
		return
	}
	parts, err := h.convSvc.Participants(c.Request.Context(), auth.GetUser(c), convID)
	if err != nil {
		writeError(c, err, "list conversation participants")
		return
	}
	c.JSON(http.StatusOK, parts)
}

// adminOnly 必须挂在 AuthMiddleware 之后。
func (h *Handler) adminOnly(c *gin.Context) {
	if err := h.authSvc.RequireAdmin(auth.GetUser(c)); err != nil {
		writeError(c, err, "require admin")
		return
	}
	c.Next()
}
