package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/kernel/pkg/queue"
)

func newTestPool(t *testing.T, registry *Registry) (*Pool, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, "kernel", "default", registry.IsRegistered)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := NewPool(q, registry, 2, 5*time.Millisecond, time.Second, logger)
	return pool, q
}

// TestJobRetrySucceedsOnThirdAttempt exercises spec §8 scenario 1: a task
// that fails twice then succeeds completes with attempts=3 and an empty
// dead-letter list.
func TestJobRetrySucceedsOnThirdAttempt(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(TaskSpec{
		Name: "flaky",
		Handler: func(ctx *Context, payload []byte) (string, error) {
			n := calls.Add(1)
			if n < 3 {
				return "", errors.New("not yet")
			}
			return "ok", nil
		},
	})

	pool, q := newTestPool(t, registry)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "flaky", nil, queue.EnqueueOptions{MaxAttempts: 3, Timeout: time.Second})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	go pool.Run(runCtx)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, j.JobID)
		return err == nil && got.Status == queue.StatusCompleted
	}, 900*time.Millisecond, 5*time.Millisecond)

	final, err := q.Get(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, final.Status)
	require.Equal(t, 3, final.Attempts)
	require.Equal(t, "ok", final.Result)

	ids, err := q.DeadLetterIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	registry := NewRegistry()
	registry.Register(TaskSpec{
		Name: "always_fails",
		Handler: func(ctx *Context, payload []byte) (string, error) {
			return "", errors.New("boom")
		},
	})

	pool, q := newTestPool(t, registry)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "always_fails", nil, queue.EnqueueOptions{MaxAttempts: 1, Timeout: time.Second})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	pool.Run(runCtx)

	final, err := q.Get(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusDead, final.Status)

	ids, err := q.DeadLetterIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, j.JobID)
}
