package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker 记录已注销的 token（按 jti），直到其自然过期。
type Revoker interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Denylist struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewDenylist(rdb redis.UniversalClient) *Denylist {
	return &Denylist{rdb: rdb, prefix: "gathering:revoked:"}
}

func (d *Denylist) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return d.rdb.Set(ctx, d.prefix+jti, 1, ttl).Err()
}

func (d *Denylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.prefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
