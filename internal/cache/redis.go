package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/antoniostano/memorybridge/internal/memory"
)

// RedisCache keeps each day's list in a Redis list with a fixed expiry.
type RedisCache struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewRedisCache dials lazily; an unreachable server surfaces on first use.
func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	return NewRedisCacheWithDialer(func(ctx context.Context) (redis.Conn, error) {
		return redis.DialURLContext(ctx, url,
			redis.DialConnectTimeout(2*time.Second),
			redis.DialReadTimeout(2*time.Second),
			redis.DialWriteTimeout(2*time.Second),
		)
	}, ttl), nil
}

// NewRedisCacheWithDialer builds a cache over a custom connection source.
func NewRedisCacheWithDialer(dial func(ctx context.Context) (redis.Conn, error), ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		ttl: ttl,
		pool: &redis.Pool{
			MaxIdle:     4,
			MaxActive:   16,
			IdleTimeout: 5 * time.Minute,
			DialContext: dial,
		},
	}
}

func (c *RedisCache) Append(ctx context.Context, m memory.Memory) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	key := Key(m.UserID, time.UnixMilli(m.Timestamp))
	if _, err := conn.Do("RPUSH", key, payload); err != nil {
		return fmt.Errorf("redis rpush %s: %w", key, err)
	}
	if _, err := conn.Do("EXPIRE", key, int64(c.ttl/time.Second)); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Recent(ctx context.Context, userID string, day time.Time, limit int) ([]memory.Memory, error) {
	if limit <= 0 {
		limit = memory.DefaultRecallLimit
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	key := Key(userID, day)
	raw, err := redis.ByteSlices(conn.Do("LRANGE", key, -limit, -1))
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	if len(raw) == 0 {
		return nil, ErrMiss
	}

	out := make([]memory.Memory, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m memory.Memory
		if err := json.Unmarshal(raw[i], &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *RedisCache) Mode() string { return "redis" }

func (c *RedisCache) Close() error {
	return c.pool.Close()
}
