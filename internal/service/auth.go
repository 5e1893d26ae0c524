package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sammyduzit/the-gathering/internal/auth"
	"github.com/Sammyduzit/the-gathering/internal/config"
	"github.com/Sammyduzit/the-gathering/internal/models"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	usernameMinLen = 3
	usernameMaxLen = 20
	passwordMinLen = 8
)

// AuthService 负责注册、登录以及 token 到用户的解析。
type AuthService struct {
	db      *gorm.DB
	cfg     config.Config
	revoker auth.Revoker
	lookups singleflight.Group
}

// revoker 为 nil 时注销只是空操作。
func NewAuthService(db *gorm.DB, cfg config.Config, revoker auth.Revoker) *AuthService {
	return &AuthService{db: db, cfg: cfg, revoker: revoker}
}

type RegisterInput struct {
	Email    string
	Username string
	Password string
}

// Register 先检查邮箱、再检查用户名，二者任一已存在都返回 Conflict。
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	username := strings.TrimSpace(in.Username)
	if email == "" {
		return nil, badRequestf("Email is required")
	}
	if n := utf8.RuneCountInString(username); n < usernameMinLen || n > usernameMaxLen {
		return nil, badRequestf("Username must be between %d and %d characters", usernameMinLen, usernameMaxLen)
	}
	if len(in.Password) < passwordMinLen {
		return nil, badRequestf("Password must be at least %d characters", passwordMinLen)
	}

	tx := s.db.WithContext(ctx)
	taken, err := exists(tx.Model(&models.User{}).Where("email = ?", email))
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return nil, conflictf("Email already registered")
	}
	taken, err = exists(tx.Model(&models.User{}).Where("username = ?", username))
	if err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return nil, conflictf("Username already taken")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := models.User{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		AvatarURL:    AvatarURL(username),
		IsActive:     true,
		Status:       models.StatusAway,
		LastActive:   time.Now(),
	}
	if err := tx.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, conflictf("Email or username already registered")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

// LoginResult 登录成功后返回的 token 信息。
type LoginResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, unauthorizedf("Incorrect email or password")
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, unauthorizedf("Incorrect email or password")
	}
	if !user.IsActive {
		return nil, unauthorizedf("Account is inactive")
	}
	at, err := auth.GenerateAccessToken(user.Username, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &LoginResult{
		AccessToken: at,
		TokenType:   auth.TokenType,
		ExpiresIn:   s.cfg.AccessTokenTTLMinutes * 60,
	}, nil
}

// Resolve 校验 token 并按 subject 找到用户。同一用户名的并发查询会被合并。
func (s *AuthService) Resolve(ctx context.Context, token string) (*models.User, *auth.Claims, error) {
	claims, err := auth.ParseAccessToken(token, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, unauthorizedf("Could not validate credentials")
	}
	if s.revoker != nil && claims.ID != "" {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, nil, unauthorizedf("Token has been revoked")
		}
	}

	// 合并后的查询不跟随任何一个调用方取消，各调用方只等待自己的 ctx。
	lookupCtx := context.WithoutCancel(ctx)
	ch := s.lookups.DoChan(claims.Subject, func() (interface{}, error) {
		var u models.User
		if err := s.db.WithContext(lookupCtx).Where("username = ?", claims.Subject).First(&u).Error; err != nil {
			return nil, err
		}
		return u, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("find user: %w", ctx.Err())
	}
	if res.Err != nil {
		if errors.Is(res.Err, gorm.ErrRecordNotFound) {
			return nil, nil, unauthorizedf("Could not validate credentials")
		}
		return nil, nil, fmt.Errorf("find user: %w", res.Err)
	}
	// 每个调用方拿到独立副本，避免共享指针被并发修改。
	user := res.Val.(models.User)
	if !user.IsActive {
		return nil, nil, unauthorizedf("Account is inactive")
	}
	return &user, claims, nil
}

// Logout 把 token 的 jti 放入黑名单直到过期。
func (s *AuthService) Logout(ctx context.Context, claims *auth.Claims) error {
	if s.revoker == nil || claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	if err := s.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *AuthService) RequireAdmin(user *models.User) error {
	if user == nil || !user.IsAdmin {
		return forbiddenf("Admin privileges required")
	}
	return nil
}

// EnsureAdmin 启动时确保配置中的管理员存在，已存在的账号只会被提升为管理员。
func (s *AuthService) EnsureAdmin(ctx context.Context, email, username, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		if username == "" {
			username = strings.SplitN(email, "@", 2)[0]
		}
		created, err := s.Register(ctx, RegisterInput{Email: email, Username: username, Password: password})
		if err != nil {
			return nil, err
		}
		user = *created
	default:
		return nil, fmt.Errorf("find admin: %w", err)
	}
	if user.IsAdmin {
		return &user, nil
	}
	if err := s.db.WithContext(ctx).Model(&user).Update("is_admin", true).Error; err != nil {
		return nil, fmt.Errorf("promote admin: %w", err)
	}
	user.IsAdmin = true
	return &user, nil
}

func exists(q *gorm.DB) (bool, error) {
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
