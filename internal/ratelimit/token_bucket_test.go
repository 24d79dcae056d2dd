package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, "test", capacity, refill, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "caller")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "first token")
	d, _ = bucket.Allow(ctx, "caller")
	assert.True(t, d.Allowed, "second token")
	d, _ = bucket.Allow(ctx, "caller")
	assert.False(t, d.Allowed, "third token should be rejected")
	assert.Zero(t, d.Remaining)

	d, err = bucket.Allow(ctx, "other-caller")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "buckets are per caller")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 1)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return clock }

	d, _ := bucket.Allow(ctx, "caller")
	require.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "caller")
	require.False(t, d.Allowed)

	// The script takes time from the caller, so advancing the Go clock refills.
	clock = clock.Add(1500 * time.Millisecond)
	d, err := bucket.Allow(ctx, "caller")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
