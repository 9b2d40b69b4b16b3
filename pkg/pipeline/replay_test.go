package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReplayCache(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryReplayCache(60*time.Second, WithReplayClock(func() time.Time { return now }))
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "hash-a")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = cache.Seen(ctx, "hash-a")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = cache.Seen(ctx, "hash-b")
	require.NoError(t, err)
	assert.False(t, seen, "distinct hashes are independent")
}

func TestMemoryReplayCacheWindowExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryReplayCache(60*time.Second, WithReplayClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := cache.Seen(ctx, "hash-a")
	require.NoError(t, err)

	// Exactly at the window edge the hash still counts as seen.
	now = now.Add(60 * time.Second)
	seen, err := cache.Seen(ctx, "hash-a")
	require.NoError(t, err)
	assert.True(t, seen)

	// Past the window it reads as fresh and the window restarts.
	now = now.Add(61 * time.Second)
	seen, err = cache.Seen(ctx, "hash-a")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = cache.Seen(ctx, "hash-a")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryReplayCacheZeroWindowNeverExpires(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryReplayCache(0, WithReplayClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := cache.Seen(ctx, "hash-a")
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	seen, err := cache.Seen(ctx, "hash-a")
	require.NoError(t, err)
	assert.True(t, seen)
}

// TestRedisReplayCache_Integration requires a running Redis; it skips if
// the connection fails.
func TestRedisReplayCache_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	cache := NewRedisReplayCache(client, 2*time.Second)
	hash := "itest-" + time.Now().Format("150405.000000000")

	seen, err := cache.Seen(ctx, hash)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = cache.Seen(ctx, hash)
	require.NoError(t, err)
	assert.True(t, seen)

	time.Sleep(2100 * time.Millisecond)
	seen, err = cache.Seen(ctx, hash)
	require.NoError(t, err)
	assert.False(t, seen, "expired key reads as fresh")
}
