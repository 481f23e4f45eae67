// Package ratelimit provides a Redis-backed fixed-window request limiter
// shared across replicas. Signup, login and photo search are the guarded
// endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry counts hits in the current window, arming the window TTL on
// the first hit so abandoned keys expire on their own.
var incrWithExpiry = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter allows up to limit requests per key per window.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisFixedWindowLimiter connects a limiter to Redis. The prefix
// namespaces keys so independent limiters (auth vs search) never collide.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "personfinder:ratelimit"
	}
	return &FixedWindowLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}, nil
}

// Allow reports whether the key still has quota in the current window.
// Redis failures fail closed: a broken limiter backend must not turn the
// guarded endpoints into unlimited ones.
func (l *FixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := l.hit(ctx, key)
	if err != nil {
		return false
	}
	return count <= l.limit
}

func (l *FixedWindowLimiter) hit(ctx context.Context, key string) (int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
	return incrWithExpiry.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
}
