package server

import (
	"net/http"
	"time"

	"github.com/Sammyduzit/the-gathering/internal/auth"
	"github.com/Sammyduzit/the-gathering/internal/config"
	"github.com/Sammyduzit/the-gathering/internal/metrics"
	"github.com/Sammyduzit/the-gathering/internal/mw"
	"github.com/Sammyduzit/the-gathering/internal/service"
	"github.com/Sammyduzit/the-gathering/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const rateLimitTTL = 2 * time.Minute

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// revoker 为 nil 时注销不会使 token 失效。返回的 stop 用于停服时停止后台 goroutine。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, revoker auth.Revoker) (r *gin.Engine, stop func()) {
	if err := registerValidators(); err != nil {
		log.Fatal().Err(err).Msg("register validators")
	}

	authSvc := service.NewAuthService(db, cfg, revoker)
	roomSvc := service.NewRoomService(db, hub)
	memberSvc := service.NewMembershipService(db, hub)
	msgSvc := service.NewMessageService(db, hub)
	convSvc := service.NewConversationService(db)
	h := NewHandler(authSvc, roomSvc, memberSvc, msgSvc, convSvc)

	stop = func() {}
	r = gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestID())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	r.Use(metrics.GinMiddleware())
	if cfg.RateLimitRPS > 0 {
		// 控制单个 IP+路由的速率
		rl := mw.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, rateLimitTTL)
		r.Use(rl.Middleware())
		stop = rl.Stop
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)

	// websocket 从 query 取 token，自行鉴权
	api.GET("/rooms/:id/ws", ws.Serve(hub, authSvc, roomSvc, msgSvc))

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(authSvc))

	authed.GET("/auth/me", h.Me)
	authed.POST("/auth/logout", h.Logout)

	rooms := authed.Group("/rooms")
	rooms.GET("/", h.ListRooms)
	rooms.GET("/count", h.CountRooms)
	rooms.GET("/:id", h.GetRoom)
	rooms.POST("/:id/join", h.JoinRoom)
	rooms.POST("/:id/leave", h.LeaveRoom)
	rooms.GET("/:id/users", h.ListRoomUsers)
	rooms.PATCH("/users/status", h.UpdateStatus)
	rooms.POST("/:id/message", h.SendRoomMessage)
	rooms.POST("/:id/messages", h.SendRoomMessage)
	rooms.GET("/:id/messages", h.ListRoomMessages)

	admin := rooms.Group("", h.adminOnly)
	admin.POST("/", h.CreateRoom)
	admin.PUT("/:id", h.UpdateRoom)
	admin.DELETE("/:id", h.DeleteRoom)

	convs := authed.Group("/conversations")
	convs.POST("", h.CreateConversation)
	convs.GET("", h.ListConversations)
	convs.POST("/:id/messages", h.SendConversationMessage)
	convs.GET("/:id/messages", h.ListConversationMessages)
	convs.GET("/:id/participants", h.ListConversationParticipants)

	return r, stop
}
