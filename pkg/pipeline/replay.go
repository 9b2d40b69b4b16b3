package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache is the screen stage's seen-set of request hashes.
type ReplayCache interface {
	// Seen records hash and reports whether it was already present inside
	// the freshness window.
	Seen(ctx context.Context, hash string) (bool, error)
}

// MemoryReplayCache keeps first-seen times in memory and expires entries
// lazily when new hashes arrive.
type MemoryReplayCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// ReplayOption adjusts cache construction.
type ReplayOption func(*MemoryReplayCache)

// WithReplayClock overrides the time source for deterministic tests.
func WithReplayClock(now func() time.Time) ReplayOption {
	return func(c *MemoryReplayCache) { c.now = now }
}

// NewMemoryReplayCache builds a cache. window <= 0 means entries never
// expire.
func NewMemoryReplayCache(window time.Duration, opts ...ReplayOption) *MemoryReplayCache {
	c := &MemoryReplayCache{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryReplayCache) Seen(_ context.Context, hash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if first, ok := c.seen[hash]; ok {
		if c.window <= 0 || now.Sub(first) <= c.window {
			return true, nil
		}
		// Aged out: the hash counts as fresh and the window restarts.
	}
	c.seen[hash] = now
	c.sweepLocked(now)
	return false, nil
}

func (c *MemoryReplayCache) sweepLocked(now time.Time) {
	if c.window <= 0 {
		return
	}
	for h, first := range c.seen {
		if now.Sub(first) > c.window {
			delete(c.seen, h)
		}
	}
}

// RedisReplayCache shares the seen-set across instances. SET NX with a
// TTL makes record-and-test a single round trip.
type RedisReplayCache struct {
	client *redis.Client
	window time.Duration
}

// NewRedisReplayCache builds a Redis-backed cache.
func NewRedisReplayCache(client *redis.Client, window time.Duration) *RedisReplayCache {
	return &RedisReplayCache{client: client, window: window}
}

func (c *RedisReplayCache) Seen(ctx context.Context, hash string) (bool, error) {
	inserted, err := c.client.SetNX(ctx, "replay:"+hash, 1, c.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis replay cache: %w", err)
	}
	return !inserted, nil
}
