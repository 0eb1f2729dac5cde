package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int, refillPerSec float64) *OrgBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewOrgBucket(client, capacity, refillPerSec, time.Minute)
}

func TestAllowConsumesTokensUntilEmpty(t *testing.T) {
	b := newTestBucket(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Allow(ctx, "org-1")
		require.NoError(t, err)
		require.True(t, allowed, "request %d should be within capacity", i+1)
	}

	allowed, remaining, err := b.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.False(t, allowed, "bucket is empty, fourth request must be rejected")
	require.Less(t, remaining, 1.0)
}

func TestAllowRemainingDecreases(t *testing.T) {
	b := newTestBucket(t, 5, 0)
	ctx := context.Background()

	_, first, err := b.Allow(ctx, "org-1")
	require.NoError(t, err)
	_, second, err := b.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.Less(t, second, first)
}

func TestOrganisationsHaveIndependentBuckets(t *testing.T) {
	b := newTestBucket(t, 1, 0)
	ctx := context.Background()

	allowed, _, err := b.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = b.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.False(t, allowed, "org-1 spent its token")

	allowed, _, err = b.Allow(ctx, "org-2")
	require.NoError(t, err)
	require.True(t, allowed, "org-2 must not be affected by org-1's spend")
}

func TestTokensRefillOverTime(t *testing.T) {
	b := newTestBucket(t, 1, 1000) // effectively instant refill
	ctx := context.Background()

	allowed, _, err := b.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, allowed)

	time.Sleep(10 * time.Millisecond)

	allowed, _, err = b.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, allowed, "bucket should have refilled")
}
