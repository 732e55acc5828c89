package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const defaultPrefix = "balungpisah:ratelimit"

// Decision describes the quota state of one key after a check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RetryAfter is the wait until the current window closes.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// FixedWindowLimiter limits requests per key in a fixed time window.
// State lives in Redis so every replica shares the same counters.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisFixedWindowLimiter creates a limiter with its own Redis client.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	return NewFixedWindowLimiter(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix, limit, window)
}

// NewFixedWindowLimiter creates a limiter on an existing Redis client.
func NewFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		client: client,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Allow consumes one unit of quota for key.
// On Redis failures it fails closed and reports the key as exhausted.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey, resetAt := l.slot(key)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return Decision{Allowed: false, Limit: l.limit, ResetAt: resetAt}, fmt.Errorf("rate limit: %w", err)
	}
	return l.decision(count, resetAt), nil
}

// Status reports the quota for key without consuming it.
func (l *FixedWindowLimiter) Status(ctx context.Context, key string) (Decision, error) {
	redisKey, resetAt := l.slot(key)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := l.client.Get(ctx, redisKey).Int64()
	if errors.Is(err, redis.Nil) {
		count, err = 0, nil
	}
	if err != nil {
		return Decision{Allowed: false, Limit: l.limit, ResetAt: resetAt}, fmt.Errorf("rate limit status: %w", err)
	}
	d := l.decision(count, resetAt)
	d.Allowed = count < int64(l.limit)
	return d, nil
}

func (l *FixedWindowLimiter) slot(key string) (string, time.Time) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	resetAt := time.UnixMilli((slot + 1) * windowMs).UTC()
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, slot), resetAt
}

func (l *FixedWindowLimiter) decision(count int64, resetAt time.Time) Decision {
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
