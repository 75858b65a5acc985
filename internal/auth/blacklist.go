package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/chatline/internal/core/ports"
)

// hashToken keys the blacklist by digest so raw tokens are never stored.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryBlacklist keeps revoked tokens in process memory.
type MemoryBlacklist struct {
	c *cache.Cache
}

var _ ports.TokenBlacklist = (*MemoryBlacklist)(nil)

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{c: cache.New(time.Hour, 10*time.Minute)}
}

func (b *MemoryBlacklist) Revoke(_ context.Context, token string, ttl time.Duration) error {
	b.c.Set(hashToken(token), struct{}{}, ttl)
	return nil
}

func (b *MemoryBlacklist) IsRevoked(_ context.Context, token string) (bool, error) {
	_, ok := b.c.Get(hashToken(token))
	return ok, nil
}

// RedisBlacklist shares revocations between server instances.
type RedisBlacklist struct {
	rdb    *redis.Client
	prefix string
}

var _ ports.TokenBlacklist = (*RedisBlacklist)(nil)

// NewRedisBlacklist connects to url and verifies the connection.
func NewRedisBlacklist(ctx context.Context, url string) (*RedisBlacklist, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBlacklist{rdb: rdb, prefix: "chatline:revoked:"}, nil
}

func (b *RedisBlacklist) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	return b.rdb.Set(ctx, b.prefix+hashToken(token), 1, ttl).Err()
}

func (b *RedisBlacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	err := b.rdb.Get(ctx, b.prefix+hashToken(token)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *RedisBlacklist) Close() error {
	return b.rdb.Close()
}
