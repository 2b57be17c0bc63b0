package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/queue"
)

// Pool is a bounded set of concurrent executors pulling from one queue.
// Size is the process-wide worker count; PollInterval is how often an idle
// executor retries an empty queue; GracePeriod bounds how long graceful
// shutdown waits for in-flight handlers before abandoning them for
// redelivery.
type Pool struct {
	queue        *queue.Queue
	registry     *Registry
	size         int
	pollInterval time.Duration
	gracePeriod  time.Duration
	logger       *slog.Logger
	onOutcome    func(taskName string, status queue.Status)

	wg      sync.WaitGroup
	running sync.WaitGroup
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithOutcomeHook registers a callback invoked after every dispatch
// attempt, for metrics (spec §2 "job outcomes" collector).
func WithOutcomeHook(fn func(taskName string, status queue.Status)) Option {
	return func(p *Pool) { p.onOutcome = fn }
}

// NewPool constructs a Pool of size concurrent executors against q,
// dispatching registered tasks from registry.
func NewPool(q *queue.Queue, registry *Registry, size int, pollInterval, gracePeriod time.Duration, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		queue:        q,
		registry:     registry,
		size:         size,
		pollInterval: pollInterval,
		gracePeriod:  gracePeriod,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts size executor goroutines and blocks until ctx is cancelled,
// then waits up to GracePeriod for in-flight handlers before returning.
// Jobs still in flight when the grace period elapses are left with their
// in-flight lease intact; ReapExpiredLeases on another process (or this one
// after restart) redelivers them.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", "size", p.size, "poll_interval", p.pollInterval)

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.executorLoop(ctx, i)
	}

	p.wg.Wait()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(p.gracePeriod):
		p.logger.Warn("worker pool grace period elapsed with jobs still in flight")
	}
	return nil
}

func (p *Pool) executorLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, id)
		}
	}
}

// tick attempts one dispatch cycle: promote due delayed jobs, then pop and
// execute the next ready job, if any.
func (p *Pool) tick(ctx context.Context, executorID int) {
	if _, err := p.queue.PromoteDue(ctx, 100); err != nil {
		p.logger.Error("promoting delayed jobs", "error", err, "executor", executorID)
	}

	j, err := p.queue.Dispatch(ctx)
	if err != nil {
		p.logger.Error("dispatching job", "error", err, "executor", executorID)
		return
	}
	if j == nil {
		return
	}

	p.running.Add(1)
	defer p.running.Done()
	p.execute(ctx, j)
}

func (p *Pool) execute(ctx context.Context, j *queue.Job) {
	spec, ok := p.registry.Get(j.TaskName)
	if !ok {
		p.fail(ctx, j, kerrors.Internalf(nil, "task %q has no registered handler", j.TaskName))
		return
	}

	timeout := time.Duration(j.TimeoutSecond) * time.Second
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wctx := &Context{
		Context: handlerCtx,
		JobID:   j.JobID,
		Attempt: j.Attempts + 1,
		progress: func(step string, percent int) {
			if err := p.queue.ReportProgress(ctx, j.JobID, step, percent); err != nil {
				p.logger.Warn("reporting progress", "job_id", j.JobID, "error", err)
			}
		},
	}

	start := time.Now()
	result, err := spec.Handler(wctx, j.Payload)
	elapsed := time.Since(start)

	if err != nil {
		if handlerCtx.Err() == context.DeadlineExceeded {
			err = kerrors.New(kerrors.Timeout, "task handler exceeded its timeout")
		}
		p.fail(ctx, j, err)
		p.logger.Warn("task failed", "job_id", j.JobID, "task", j.TaskName, "attempt", j.Attempts+1, "duration", elapsed, "error", err)
		return
	}

	// Re-read job state: a concurrent Cancel call may have flipped
	// Cancelled while the handler was running.
	current, getErr := p.queue.Get(ctx, j.JobID)
	if getErr == nil && current.Cancelled {
		if err := p.queue.CompleteCancelled(ctx, current); err != nil {
			p.logger.Error("completing cancelled job", "job_id", j.JobID, "error", err)
		}
		p.notify(j.TaskName, queue.StatusCancelled)
		return
	}

	if err := p.queue.Complete(ctx, j, result); err != nil {
		p.logger.Error("completing job", "job_id", j.JobID, "error", err)
		return
	}
	p.logger.Info("task completed", "job_id", j.JobID, "task", j.TaskName, "duration", elapsed)
	p.notify(j.TaskName, queue.StatusCompleted)
}

func (p *Pool) fail(ctx context.Context, j *queue.Job, cause error) {
	if err := p.queue.Fail(ctx, j, cause); err != nil {
		p.logger.Error("recording job failure", "job_id", j.JobID, "error", err)
		return
	}
	status := queue.StatusQueued
	if j.Attempts >= j.MaxAttempts {
		status = queue.StatusDead
	}
	p.notify(j.TaskName, status)
}

func (p *Pool) notify(taskName string, status queue.Status) {
	if p.onOutcome != nil {
		p.onOutcome(taskName, status)
	}
}
