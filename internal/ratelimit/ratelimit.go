// Package ratelimit bounds request rates per license. The production backend
// is a shared Redis counter so limits hold across gateway instances; a
// process-local fallback exists for development and tests.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether a license may issue one more request right now.
type Limiter interface {
	Allow(ctx context.Context, licenseID string, limitPerMinute int) (bool, error)
	Close() error
}

// windowKey buckets requests into the current minute.
func windowKey(licenseID string, now time.Time) string {
	return fmt.Sprintf("ratelimit:license:%s:%s", licenseID, now.UTC().Format("2006-01-02-15-04"))
}

// RedisLimiter counts requests in Redis with per-minute windows.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter connects to the shared counter store.
func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{client: redis.NewClient(opt)}, nil
}

// Allow increments the current window and compares against the ceiling.
func (rl *RedisLimiter) Allow(ctx context.Context, licenseID string, limitPerMinute int) (bool, error) {
	key := windowKey(licenseID, time.Now())

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		rl.client.Expire(ctx, key, 2*time.Minute)
	}
	return count <= int64(limitPerMinute), nil
}

func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}

// MemoryLimiter is the process-local fallback with the same window
// semantics. Not suitable for multi-instance deployments.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	now    func() time.Time
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counts: make(map[string]int), now: time.Now}
}

func (ml *MemoryLimiter) Allow(_ context.Context, licenseID string, limitPerMinute int) (bool, error) {
	now := ml.now()
	key := windowKey(licenseID, now)
	window := now.UTC().Format("2006-01-02-15-04")

	ml.mu.Lock()
	defer ml.mu.Unlock()

	// Drop stale windows so the map does not grow unbounded.
	for k := range ml.counts {
		if !strings.HasSuffix(k, ":"+window) {
			delete(ml.counts, k)
		}
	}
	ml.counts[key]++
	return ml.counts[key] <= limitPerMinute, nil
}

func (ml *MemoryLimiter) Close() error { return nil }
