package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/Sammyduzit/the-gathering/internal/auth"
	"github.com/Sammyduzit/the-gathering/internal/config"
	"github.com/Sammyduzit/the-gathering/internal/db"
	clog "github.com/Sammyduzit/the-gathering/internal/log"
	"github.com/Sammyduzit/the-gathering/internal/server"
	"github.com/Sammyduzit/the-gathering/internal/service"
	"github.com/Sammyduzit/the-gathering/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 负责加载配置、初始化日志、连接数据库与 redis，并启动 Gin 服务。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DatabaseDriver).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	var (
		rdb     *redis.Client
		revoker auth.Revoker
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: 5 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
		}
		revoker = auth.NewDenylist(rdb)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, logout will not revoke tokens")
	}

	if cfg.AdminBootstrap() {
		authSvc := service.NewAuthService(gdb, cfg, revoker)
		admin, err := authSvc.EnsureAdmin(context.Background(), cfg.AdminEmail, cfg.AdminUsername, cfg.AdminPassword)
		if err != nil {
			log.Fatal().Err(err).Str("email", cfg.AdminEmail).Msg("ensure admin")
		}
		log.Info().Uint("user_id", admin.ID).Str("username", admin.Username).Msg("admin ready")
	}

	hub := ws.NewHub()
	r, stopRouter := server.SetupRouter(cfg, gdb, hub, revoker)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSec)*time.Second,
		map[string]gfshutdown.Operation{
			// 先停止接收请求，再释放 redis 与数据库连接
			"server": func(ctx context.Context) error {
				errs := []error{srv.Shutdown(ctx)}
				stopRouter()
				if rdb != nil {
					errs = append(errs, rdb.Close())
				}
				errs = append(errs, db.Close(gdb))
				return errors.Join(errs...)
			},
		},
	)
	code := <-wait
	log.Info().Int("code", code).Msg("server stopped")
	os.Exit(code)
}
