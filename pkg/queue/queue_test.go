package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "kernel", "default", nil)
}

func TestEnqueueDispatchComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "send_email", []byte(`{"to":"a@b.com"}`), EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, j.Status)

	got, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, j.JobID, got.JobID)
	require.Equal(t, StatusRunning, got.Status)

	require.NoError(t, q.Complete(ctx, got, "ok"))

	final, err := q.Get(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	require.Equal(t, "ok", final.Result)
}

func TestDuplicateJobIDIsNoOp(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j1, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "fixed-1"})
	require.NoError(t, err)

	j2, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "fixed-1"})
	require.NoError(t, err)
	require.Equal(t, j1.EnqueuedAt, j2.EnqueuedAt)
}

func TestPriorityPreemptsAtDispatch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{Priority: PriorityLow, JobID: "low-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t", nil, EnqueueOptions{Priority: PriorityHigh, JobID: "high-1"})
	require.NoError(t, err)

	got, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "high-1", got.JobID)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "first"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "second"})
	require.NoError(t, err)

	got1, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", got1.JobID)

	got2, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", got2.JobID)
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "flaky", MaxAttempts: 2})
	require.NoError(t, err)

	got, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got, errors.New("boom")))

	after, err := q.Get(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, after.Status)
	require.Equal(t, 1, after.Attempts)
	require.NotNil(t, after.ScheduledFor)

	// Force the delay to be due (backdate its delayed-set score) and promote it.
	require.NoError(t, q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: 0, Member: j.JobID}).Err())
	_, err = q.PromoteDue(ctx, 10)
	require.NoError(t, err)

	got2, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got2, errors.New("boom again")))

	final, err := q.Get(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusDead, final.Status)
	require.Equal(t, 2, final.Attempts)

	ids, err := q.DeadLetterIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, j.JobID)
}

func TestDelayedJobNotDispatchedEarly(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "later", DelaySeconds: 3600})
	require.NoError(t, err)

	got, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	n, err := q.PromoteDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCancelQueuedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "cancel-me"})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, j.JobID))

	got, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.Nil(t, got, "cancelled job must never be dispatched")

	final, err := q.Get(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, final.Status)
}

func TestTaskValidatorRejectsUnknownTask(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := New(rdb, "kernel", "default", func(name string) bool { return name == "known" })
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "unknown", nil, EnqueueOptions{})
	require.Error(t, err)

	_, err = q.Enqueue(ctx, "known", nil, EnqueueOptions{})
	require.NoError(t, err)
}

func TestReapExpiredLeaseRequeues(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "stuck", MaxAttempts: 3, Timeout: time.Millisecond})
	require.NoError(t, err)

	_, err = q.Dispatch(ctx)
	require.NoError(t, err)

	// The lease runs for timeout + Grace; backdate its in-flight score so it
	// has expired.
	require.NoError(t, q.rdb.ZAdd(ctx, q.inflightKey(), redis.Z{Score: 0, Member: j.JobID}).Err())

	n, err := q.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	after, err := q.Get(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, after.Status)
	require.Equal(t, 1, after.Attempts)
}
