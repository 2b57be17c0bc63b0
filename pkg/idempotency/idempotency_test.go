package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "kernel", 24*time.Hour)
}

func TestMissThenHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	scope := Scope("user-1", "client-key-1")

	got, err := c.Get(ctx, scope)
	require.NoError(t, err)
	require.Nil(t, got)

	err = c.Store(ctx, scope, Record{
		StatusCode: 200,
		Body:       []byte(`{"id":"A"}`),
		Headers:    map[string][]string{"Content-Type": {"application/json"}},
	})
	require.NoError(t, err)

	got, err = c.Get(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 200, got.StatusCode)
	require.Equal(t, []byte(`{"id":"A"}`), got.Body)
}

func TestScopeIncludesPrincipal(t *testing.T) {
	require.NotEqual(t, Scope("u1", "k1"), Scope("u2", "k1"))
	require.NotEqual(t, Scope("", "k1"), Scope("u2", "k1"))
}

func TestIsStorable(t *testing.T) {
	require.True(t, IsStorable(200))
	require.True(t, IsStorable(201))
	require.False(t, IsStorable(301))
	require.False(t, IsStorable(404))
	require.False(t, IsStorable(500))
}
