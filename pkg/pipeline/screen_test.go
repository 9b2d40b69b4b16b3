package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/ratelimit"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

func execFor(body map[string]any) *Exec {
	payload, _ := json.Marshal(body)
	return &Exec{
		Record: &intent.Record{
			IntentID: "01J0SCREEN",
			State:    intent.StateReceived,
			Payload:  payload,
		},
		Body:        body,
		CorrID:      "corr-screen",
		RequestHash: "hash-screen",
		ClientKey:   "client-a",
	}
}

func requireRejection(t *testing.T, err error, code string) *reason.Rejection {
	t.Helper()
	require.Error(t, err)
	var rej *reason.Rejection
	require.True(t, errors.As(err, &rej), "want a reasoned rejection, got %v", err)
	require.Equal(t, code, rej.Detail.Code)
	return rej
}

func TestScreenSizeBoundary(t *testing.T) {
	screen := NewScreen(ScreenConfig{MaxBytes: 1024}, nil, nil)

	st, err := screen.Run(context.Background(), execFor(map[string]any{"bytes": json.Number("1024")}))
	require.NoError(t, err)
	assert.Equal(t, intent.StateScreened, st)

	_, err = screen.Run(context.Background(), execFor(map[string]any{"bytes": json.Number("1025")}))
	rej := requireRejection(t, err, reason.CodeScreenTooLarge)
	assert.Equal(t, int64(1025), rej.Detail.Context["bytes"])
}

func TestScreenSizeFallsBackToEncodedLength(t *testing.T) {
	screen := NewScreen(ScreenConfig{MaxBytes: 10}, nil, nil)

	// No declared bytes field: the encoded payload length decides.
	ex := execFor(map[string]any{"intent_id": "a", "pad": "xxxxxxxxxxxxxxxx"})
	_, err := screen.Run(context.Background(), ex)
	requireRejection(t, err, reason.CodeScreenTooLarge)
}

func TestScreenMalformedBytesField(t *testing.T) {
	screen := NewScreen(ScreenConfig{MaxBytes: 1024}, nil, nil)
	_, err := screen.Run(context.Background(), execFor(map[string]any{"bytes": "a lot"}))
	requireRejection(t, err, reason.CodeClientBadRequest)
}

func TestScreenReplay(t *testing.T) {
	cache := NewMemoryReplayCache(time.Minute)
	screen := NewScreen(ScreenConfig{}, cache, nil)

	st, err := screen.Run(context.Background(), execFor(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, intent.StateScreened, st)

	_, err = screen.Run(context.Background(), execFor(map[string]any{}))
	rej := requireRejection(t, err, reason.CodeScreenReplaySeen)
	assert.Equal(t, "hash-screen", rej.Detail.Context["request_hash"])
}

func TestScreenDeadlineBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	screen := NewScreen(ScreenConfig{}, nil, nil).WithClock(func() time.Time { return now })

	// deadline == now is not expired.
	st, err := screen.Run(context.Background(), execFor(map[string]any{
		"deadline_ms": json.Number(jsonInt(now.UnixMilli())),
	}))
	require.NoError(t, err)
	assert.Equal(t, intent.StateScreened, st)

	// One millisecond in the past is.
	_, err = screen.Run(context.Background(), execFor(map[string]any{
		"deadline_ms": json.Number(jsonInt(now.UnixMilli() - 1)),
	}))
	requireRejection(t, err, reason.CodeClientExpired)
}

func TestScreenMinimumLeadTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	screen := NewScreen(ScreenConfig{MinDeadline: 10 * time.Second}, nil, nil).
		WithClock(func() time.Time { return now })

	// 5s of lead is not enough.
	_, err := screen.Run(context.Background(), execFor(map[string]any{
		"deadline_ms": json.Number(jsonInt(now.Add(5 * time.Second).UnixMilli())),
	}))
	rej := requireRejection(t, err, reason.CodeClientExpired)
	assert.Equal(t, int64(10_000), rej.Detail.Context["min_lead_ms"])

	// Exactly 10s is.
	st, err := screen.Run(context.Background(), execFor(map[string]any{
		"deadline_ms": json.Number(jsonInt(now.Add(10 * time.Second).UnixMilli())),
	}))
	require.NoError(t, err)
	assert.Equal(t, intent.StateScreened, st)
}

func TestScreenRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryStore()
	screen := NewScreen(ScreenConfig{
		RateLimit:  true,
		RatePolicy: ratelimit.Policy{PerSecond: 1, Burst: 1},
	}, nil, limiter)

	st, err := screen.Run(context.Background(), execFor(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, intent.StateScreened, st)

	_, err = screen.Run(context.Background(), execFor(map[string]any{}))
	rej := requireRejection(t, err, reason.CodeScreenRateLimit)
	assert.Equal(t, "client-a", rej.Detail.Context["client_key"])
}

func TestScreenRateLimitDisabled(t *testing.T) {
	screen := NewScreen(ScreenConfig{}, nil, nil)
	for range 5 {
		st, err := screen.Run(context.Background(), execFor(map[string]any{}))
		require.NoError(t, err)
		assert.Equal(t, intent.StateScreened, st)
	}
}

func TestScreenRateLimitWithoutStoreIsFault(t *testing.T) {
	screen := NewScreen(ScreenConfig{RateLimit: true}, nil, nil)
	_, err := screen.Run(context.Background(), execFor(map[string]any{}))
	require.Error(t, err)
	var rej *reason.Rejection
	assert.False(t, errors.As(err, &rej), "misconfiguration is an internal fault, not a rejection")
}

func TestScreenCheckOrder(t *testing.T) {
	// Oversized and replayed at once: the size verdict wins.
	cache := NewMemoryReplayCache(time.Minute)
	_, err := cache.Seen(context.Background(), "hash-screen")
	require.NoError(t, err)

	screen := NewScreen(ScreenConfig{MaxBytes: 10}, cache, nil)
	_, err = screen.Run(context.Background(), execFor(map[string]any{"bytes": json.Number("11")}))
	requireRejection(t, err, reason.CodeScreenTooLarge)
}

func jsonInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
