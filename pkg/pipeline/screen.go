package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/ratelimit"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

// ScreenConfig bounds the cheap pre-checks.
type ScreenConfig struct {
	// MaxBytes caps the declared payload size. 0 disables the check.
	MaxBytes int64
	// MinDeadline is the lead time a deadline must leave. 0 means a
	// deadline only has to not be in the past.
	MinDeadline time.Duration
	// RateLimit switches per-client throttling on.
	RateLimit  bool
	RatePolicy ratelimit.Policy
}

// Screen rejects obviously bad requests before any expensive work:
// oversized payloads, replayed hashes, passed deadlines, throttled
// clients. Checks run in that order so the cheapest verdict wins.
type Screen struct {
	cfg     ScreenConfig
	replay  ReplayCache
	limiter ratelimit.Store
	clock   func() time.Time
}

// NewScreen builds the stage. replay and limiter may be nil, which
// disables the matching checks (rate limiting enabled without a limiter
// is an internal fault, not a silent skip).
func NewScreen(cfg ScreenConfig, replay ReplayCache, limiter ratelimit.Store) *Screen {
	return &Screen{cfg: cfg, replay: replay, limiter: limiter, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Screen) WithClock(clock func() time.Time) *Screen {
	s.clock = clock
	return s
}

func (s *Screen) Name() string { return "screen" }

func (s *Screen) Run(ctx context.Context, ex *Exec) (intent.State, error) {
	// 1. Declared size bound.
	if s.cfg.MaxBytes > 0 {
		size, ok, err := intField(ex.Body, "bytes")
		if err != nil {
			return "", reason.Reject(reason.CodeClientBadRequest, map[string]any{"field": "bytes"})
		}
		if !ok {
			size = int64(len(ex.Record.Payload))
		}
		if size > s.cfg.MaxBytes {
			return "", reason.Reject(reason.CodeScreenTooLarge, map[string]any{
				"bytes":     size,
				"max_bytes": s.cfg.MaxBytes,
			})
		}
	}

	// 2. Replay cache.
	if s.replay != nil {
		seen, err := s.replay.Seen(ctx, ex.RequestHash)
		if err != nil {
			return "", fmt.Errorf("replay cache: %w", err)
		}
		if seen {
			return "", reason.Reject(reason.CodeScreenReplaySeen, map[string]any{
				"request_hash": ex.RequestHash,
			})
		}
	}

	// 3. Deadline sanity. A deadline equal to now is not expired.
	if deadline, ok, err := intField(ex.Body, "deadline_ms"); err != nil {
		return "", reason.Reject(reason.CodeClientBadRequest, map[string]any{"field": "deadline_ms"})
	} else if ok {
		nowMs := s.clock().UnixMilli()
		if deadline < nowMs+s.cfg.MinDeadline.Milliseconds() {
			rctx := map[string]any{
				"deadline_ms": deadline,
				"now_ms":      nowMs,
			}
			if s.cfg.MinDeadline > 0 {
				rctx["min_lead_ms"] = s.cfg.MinDeadline.Milliseconds()
			}
			return "", reason.Reject(reason.CodeClientExpired, rctx)
		}
	}

	// 4. Rate limit.
	if s.cfg.RateLimit {
		if s.limiter == nil {
			return "", fmt.Errorf("rate limiting enabled without a limiter store")
		}
		allowed, err := s.limiter.Allow(ctx, ex.ClientKey, s.cfg.RatePolicy, 1)
		if err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
		if !allowed {
			return "", reason.Reject(reason.CodeScreenRateLimit, map[string]any{
				"client_key": ex.ClientKey,
			})
		}
	}

	return intent.StateScreened, nil
}
