package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, window time.Duration, limit int) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "kernel", window, Limits{TierAnonymous: limit})
}

func TestAllowUnderLimit(t *testing.T) {
	l := newTestLimiter(t, time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "ip:1.2.3.4", TierAnonymous)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
	}
}

func TestRejectOverLimit(t *testing.T) {
	l := newTestLimiter(t, time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Allow(ctx, "ip:1.2.3.4", TierAnonymous)
		require.NoError(t, err)
	}

	res, err := l.Allow(ctx, "ip:1.2.3.4", TierAnonymous)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, 3, res.Limit)
}

func TestRejectedProbesAreNotRecorded(t *testing.T) {
	l := newTestLimiter(t, time.Minute, 1)
	ctx := context.Background()

	res, err := l.Allow(ctx, "ip:5.5.5.5", TierAnonymous)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "ip:5.5.5.5", TierAnonymous)
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	count, err := l.rdb.ZCard(ctx, l.key("ip:5.5.5.5")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "invariant 4: stored timestamps must equal accepted requests")
}

func TestKeysAreIsolatedByScope(t *testing.T) {
	l := newTestLimiter(t, time.Minute, 1)
	ctx := context.Background()

	res1, err := l.Allow(ctx, "ip:1.1.1.1", TierAnonymous)
	require.NoError(t, err)
	require.True(t, res1.Allowed)

	res2, err := l.Allow(ctx, "ip:2.2.2.2", TierAnonymous)
	require.NoError(t, err)
	require.True(t, res2.Allowed, "different scope must have its own window")
}
