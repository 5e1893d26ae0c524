package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

const (
	defaultAccessTTLMinutes = 30
	defaultShutdownSeconds  = 10
	defaultRateLimitRPS     = 20
	defaultRateLimitBurst   = 40
)

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RateLimitRPS          int
	RateLimitBurst        int
	CORSOrigins           []string
	AdminEmail            string
	AdminUsername         string
	AdminPassword         string
	ShutdownTimeoutSec    int
}

// Load 从环境变量与可选的 gathering.yaml 读取配置，环境变量优先。
func Load() Config {
	v := viper.New()
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=gathering port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", strconv.Itoa(defaultAccessTTLMinutes))
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", "0")
	v.SetDefault("RATE_LIMIT_RPS", strconv.Itoa(defaultRateLimitRPS))
	v.SetDefault("RATE_LIMIT_BURST", strconv.Itoa(defaultRateLimitBurst))
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("ADMIN_EMAIL", "")
	v.SetDefault("ADMIN_USERNAME", "")
	v.SetDefault("ADMIN_PASSWORD", "")
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", strconv.Itoa(defaultShutdownSeconds))

	v.SetConfigName("gathering")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	// 配置文件可选，缺失时只使用环境变量与默认值。
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	return Config{
		Port:                  v.GetString("APP_PORT"),
		Env:                   v.GetString("APP_ENV"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		DatabaseDriver:        strings.ToLower(v.GetString("DB_DRIVER")),
		DatabaseDSN:           v.GetString("DATABASE_DSN"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		AccessTokenTTLMinutes: positiveInt(v.GetString("ACCESS_TOKEN_TTL_MINUTES"), defaultAccessTTLMinutes),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               nonNegativeInt(v.GetString("REDIS_DB"), 0),
		RateLimitRPS:          nonNegativeInt(v.GetString("RATE_LIMIT_RPS"), defaultRateLimitRPS),
		RateLimitBurst:        positiveInt(v.GetString("RATE_LIMIT_BURST"), defaultRateLimitBurst),
		CORSOrigins:           splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		AdminEmail:            v.GetString("ADMIN_EMAIL"),
		AdminUsername:         v.GetString("ADMIN_USERNAME"),
		AdminPassword:         v.GetString("ADMIN_PASSWORD"),
		ShutdownTimeoutSec:    positiveInt(v.GetString("SHUTDOWN_TIMEOUT_SECONDS"), defaultShutdownSeconds),
	}
}

func positiveInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// splitList 解析逗号分隔的列表，忽略空项。
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func nonNegativeInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return def
	}
	return n
}

// Validate 检查启动前必须满足的配置约束。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER %q is not supported", cfg.DatabaseDriver)
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed when APP_ENV=%s", cfg.Env)
	}
	if (cfg.AdminEmail != "") != (cfg.AdminPassword != "") {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}
	return nil
}

// AdminBootstrap 表示是否需要在启动时确保管理员账号存在。
func (c Config) AdminBootstrap() bool {
	return c.AdminEmail != "" && c.AdminPassword != ""
}
