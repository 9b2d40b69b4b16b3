// Package ratelimit provides per-client admission throttling for the
// Screen stage. Backends share one Store contract so single-instance
// deployments use process-local buckets and multi-instance deployments
// share state through Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is the bucket shape applied to every client key.
type Policy struct {
	PerSecond float64
	Burst     int
}

// Store answers whether a client may spend cost tokens right now.
type Store interface {
	Allow(ctx context.Context, clientKey string, policy Policy, cost int) (bool, error)
}

// idleEvictAfter bounds how long an untouched bucket survives a sweep.
const idleEvictAfter = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one token bucket per client key. Suitable for
// single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Allow(_ context.Context, clientKey string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[clientKey]
	if !ok {
		perSec := policy.PerSecond
		if perSec <= 0 {
			perSec = 1
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(perSec), policy.Burst)}
		s.buckets[clientKey] = b
		s.sweepLocked(now)
	}
	b.lastSeen = now
	return b.lim.AllowN(now, cost), nil
}

// sweepLocked drops buckets idle past the eviction horizon. Runs only when
// a new key is added, so steady-state traffic pays nothing.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, b := range s.buckets {
		if !b.lastSeen.IsZero() && now.Sub(b.lastSeen) > idleEvictAfter {
			delete(s.buckets, key)
		}
	}
}
