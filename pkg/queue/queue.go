// Package queue implements the kernel's durable job queue (spec §4.E): a
// Redis-backed priority dispatch queue with delayed scheduling, in-flight
// lease tracking for crash recovery, and a dead-letter list per queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/kernel/pkg/kerrors"
)

// Grace is added to a job's timeout when computing its in-flight lease
// expiry, giving the worker a little slack to report completion before the
// lease reaper treats it as abandoned.
const Grace = 5 * time.Second

// TaskValidator reports whether taskName is a registered task. Wired from
// the worker runtime's task registry; nil disables the check (useful in
// tests exercising queue mechanics in isolation).
type TaskValidator func(taskName string) bool

// Queue is a single named job queue backed by Redis.
type Queue struct {
	rdb    *redis.Client
	prefix string
	name   string
	isTask TaskValidator
}

// New constructs a Queue named name, namespaced under prefix.
func New(rdb *redis.Client, prefix, name string, validator TaskValidator) *Queue {
	return &Queue{rdb: rdb, prefix: prefix, name: name, isTask: validator}
}

func (q *Queue) readyKey(p Priority) string { return fmt.Sprintf("%s:queue:%s:ready:%s", q.prefix, q.name, p) }
func (q *Queue) delayedKey() string         { return fmt.Sprintf("%s:queue:%s:delayed", q.prefix, q.name) }
func (q *Queue) inflightKey() string        { return fmt.Sprintf("%s:queue:%s:inflight", q.prefix, q.name) }
func (q *Queue) dlqKey() string             { return fmt.Sprintf("%s:queue:%s:dlq", q.prefix, q.name) }
func (q *Queue) jobKey(id string) string    { return fmt.Sprintf("%s:job:%s", q.prefix, id) }

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &j, nil
}

func (q *Queue) storeJob(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", j.JobID, err)
	}
	// Job records never expire on their own; admin/list endpoints and
	// audit read them long after completion.
	if err := q.rdb.Set(ctx, q.jobKey(j.JobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("storing job %s: %w", j.JobID, err)
	}
	return nil
}

// Enqueue admits one job. A duplicate JobID (opts.JobID) is a no-op that
// returns the existing record unchanged.
func (q *Queue) Enqueue(ctx context.Context, taskName string, payload []byte, opts EnqueueOptions) (*Job, error) {
	if q.isTask != nil && !q.isTask(taskName) {
		return nil, kerrors.Validationf("task %q is not registered", taskName)
	}

	if opts.JobID != "" {
		if existing, err := q.loadJob(ctx, opts.JobID); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	j := &Job{
		JobID:         id,
		TaskName:      taskName,
		Payload:       payload,
		Priority:      opts.priorityOrDefault(),
		QueueName:     q.name,
		Status:        StatusQueued,
		MaxAttempts:   opts.maxAttemptsOrDefault(),
		TimeoutSecond: int(opts.timeoutOrDefault().Seconds()),
		EnqueuedAt:    now,
		Metadata:      opts.Metadata,
		UserID:        opts.UserID,
	}

	if err := q.storeJob(ctx, j); err != nil {
		return nil, err
	}

	if opts.DelaySeconds > 0 {
		scheduledFor := now.Add(time.Duration(opts.DelaySeconds) * time.Second)
		j.ScheduledFor = &scheduledFor
		if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(scheduledFor.UnixMilli()), Member: id}).Err(); err != nil {
			return nil, fmt.Errorf("scheduling delayed job %s: %w", id, err)
		}
		if err := q.storeJob(ctx, j); err != nil {
			return nil, err
		}
	} else {
		if err := q.rdb.RPush(ctx, q.readyKey(j.Priority), id).Err(); err != nil {
			return nil, fmt.Errorf("enqueueing job %s: %w", id, err)
		}
	}

	return j, nil
}

// PromoteDue moves delayed jobs whose scheduled_for has passed into their
// priority's ready list. Safe to call concurrently and repeatedly; it is
// the "moving cursor" of spec §4.E's delayed set.
func (q *Queue) PromoteDue(ctx context.Context, limit int64) (int, error) {
	now := float64(time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning delayed set: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil || removed == 0 {
			// Another worker already promoted it.
			continue
		}
		j, err := q.loadJob(ctx, id)
		if err != nil || j == nil {
			continue
		}
		j.ScheduledFor = nil
		if err := q.storeJob(ctx, j); err != nil {
			continue
		}
		if err := q.rdb.RPush(ctx, q.readyKey(j.Priority), id).Err(); err != nil {
			continue
		}
		promoted++
	}
	return promoted, nil
}

// Dispatch pops the next due job in priority order (high, normal, low) and
// marks it running with an in-flight lease of timeout+Grace. Returns nil,
// nil when no job is ready.
func (q *Queue) Dispatch(ctx context.Context) (*Job, error) {
	var id string
	for _, p := range priorityOrder {
		v, err := q.rdb.LPop(ctx, q.readyKey(p)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("popping ready list %s: %w", p, err)
		}
		id = v
		break
	}
	if id == "" {
		return nil, nil
	}

	j, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		// Job record vanished (should not happen); drop silently.
		return nil, nil
	}
	if j.Status == StatusCancelled {
		return nil, nil
	}

	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	if err := q.storeJob(ctx, j); err != nil {
		return nil, err
	}

	leaseExpiry := now.Add(time.Duration(j.TimeoutSecond)*time.Second + Grace)
	if err := q.rdb.ZAdd(ctx, q.inflightKey(), redis.Z{Score: float64(leaseExpiry.UnixMilli()), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("leasing job %s: %w", id, err)
	}

	return j, nil
}

// Complete marks a dispatched job completed successfully.
func (q *Queue) Complete(ctx context.Context, j *Job, result string) error {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Result = result
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, q.inflightKey(), j.JobID).Err()
}

// CompleteCancelled marks a running job cancelled; only valid after the
// handler has returned, per spec's "running → cancelled only after handler
// returns" rule.
func (q *Queue) CompleteCancelled(ctx context.Context, j *Job) error {
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, q.inflightKey(), j.JobID).Err()
}

// Fail records a handler failure (or timeout). If attempts remain, the job
// is rescheduled into the delayed set with exponential backoff; otherwise
// it is moved to the dead-letter list.
func (q *Queue) Fail(ctx context.Context, j *Job, cause error) error {
	j.Attempts++
	j.Error = cause.Error()

	if err := q.rdb.ZRem(ctx, q.inflightKey(), j.JobID).Err(); err != nil {
		return fmt.Errorf("clearing lease for job %s: %w", j.JobID, err)
	}

	if j.Attempts < j.MaxAttempts {
		delay := Backoff(j.Attempts)
		scheduledFor := time.Now().UTC().Add(delay)
		j.Status = StatusQueued
		j.ScheduledFor = &scheduledFor
		if err := q.storeJob(ctx, j); err != nil {
			return err
		}
		return q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(scheduledFor.UnixMilli()), Member: j.JobID}).Err()
	}

	j.Status = StatusDead
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	return q.rdb.RPush(ctx, q.dlqKey(), j.JobID).Err()
}

// Cancel transitions a queued job to cancelled immediately; a running job
// only has its cancellation flag set — the dispatch loop finalizes the
// transition once the handler returns (see CompleteCancelled).
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	j, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return kerrors.NotFoundf("job %s not found", jobID)
	}

	switch j.Status {
	case StatusQueued:
		j.Status = StatusCancelled
		return q.storeJob(ctx, j)
	case StatusRunning:
		j.Cancelled = true
		return q.storeJob(ctx, j)
	default:
		return nil
	}
}

// ReportProgress stores a progress update on a running job's durable
// record and publishes it to subscribers.
func (q *Queue) ReportProgress(ctx context.Context, jobID, step string, percent int) error {
	j, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return kerrors.NotFoundf("job %s not found", jobID)
	}
	j.Progress = Progress{Step: step, Percent: percent}
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	return q.rdb.Publish(ctx, q.progressChannel(jobID), mustJSON(j.Progress)).Err()
}

func (q *Queue) progressChannel(jobID string) string {
	return fmt.Sprintf("%s:job:%s:progress", q.prefix, jobID)
}

// SubscribeProgress returns a PubSub subscription to jobID's progress
// channel, for HTTP long-poll or SSE handlers to relay updates.
func (q *Queue) SubscribeProgress(ctx context.Context, jobID string) *redis.PubSub {
	return q.rdb.Subscribe(ctx, q.progressChannel(jobID))
}

// Get returns the current record for jobID.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := q.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, kerrors.NotFoundf("job %s not found", jobID)
	}
	return j, nil
}

// ReapExpiredLeases finds in-flight jobs whose lease has expired without
// completion (the worker that held them died or hung) and fails them with
// a TimedOut cause, returning them to the retry/dead-letter path.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning in-flight set: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		j, err := q.loadJob(ctx, id)
		if err != nil || j == nil {
			continue
		}
		if j.Status != StatusRunning {
			_ = q.rdb.ZRem(ctx, q.inflightKey(), id).Err()
			continue
		}
		if err := q.Fail(ctx, j, kerrors.New(kerrors.Timeout, "job lease expired before completion")); err != nil {
			continue
		}
		reaped++
	}
	return reaped, nil
}

// DeadLetterIDs returns the job ids currently parked in this queue's
// dead-letter list, for admin/introspection surfaces.
func (q *Queue) DeadLetterIDs(ctx context.Context) ([]string, error) {
	return q.rdb.LRange(ctx, q.dlqKey(), 0, -1).Result()
}

// ListFilter narrows the admin job listing by any combination of fields;
// zero values match everything.
type ListFilter struct {
	Status   Status
	TaskName string
	Limit    int
}

// List scans every job record under this queue's prefix and returns those
// matching filter, for the admin-only job listing surface (spec §6). This
// is a SCAN over the whole job keyspace rather than an indexed lookup — the
// kernel has no secondary index over job records, and admin listing is a
// low-frequency operation that can afford it.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*Job
	var cursor uint64
	pattern := fmt.Sprintf("%s:job:*", q.prefix)
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning job keyspace: %w", err)
		}
		for _, key := range keys {
			raw, err := q.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var j Job
			if err := json.Unmarshal(raw, &j); err != nil {
				continue
			}
			if filter.Status != "" && j.Status != filter.Status {
				continue
			}
			if filter.TaskName != "" && j.TaskName != filter.TaskName {
				continue
			}
			out = append(out, &j)
			if len(out) >= limit {
				return out, nil
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
