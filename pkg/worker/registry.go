// Package worker implements the kernel's worker runtime (spec §4.F): a task
// registry mapping task name to handler, and a bounded pool of concurrent
// executors that pull jobs from a queue.Queue, enforce per-task timeouts,
// and publish outcomes back onto the job record.
package worker

import (
	"context"
	"sync"
	"time"
)

// Context is passed to every task handler. It carries cancellation (the
// pool's shutdown and the task's timeout) and lets handlers report
// progress without reaching back into the queue package. A Cancel call on
// the job does not cancel a running handler; the pool checks the job's
// Cancelled flag after the handler returns.
type Context struct {
	context.Context
	JobID    string
	Attempt  int
	progress func(step string, percent int)
}

// Progress reports a step/percent update for the running job.
func (c *Context) Progress(step string, percent int) {
	if c.progress != nil {
		c.progress(step, percent)
	}
}

// Handler executes one task invocation and returns a result string or an
// error. Handlers are expected to check ctx.Err() at natural checkpoints
// to cooperate with cancellation.
type Handler func(ctx *Context, payload []byte) (string, error)

// TaskSpec declares a task's handler and its defaults. Neither the Pool nor
// the Queue reads DefaultMaxAttempts or DefaultTimeout: a job's attempt
// limit and timeout come only from its EnqueueOptions.
type TaskSpec struct {
	Name           string
	Handler        Handler
	DefaultMaxAttempts int
	DefaultTimeout time.Duration
}

// Registry is the process-wide, explicitly-populated task name → handler
// map the worker pool dispatches against.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskSpec
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskSpec)}
}

// Register adds a task. Registering the same name twice replaces the prior
// spec — callers register each task exactly once at startup.
func (r *Registry) Register(spec TaskSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[spec.Name] = spec
}

// Get returns the spec for name.
func (r *Registry) Get(name string) (TaskSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tasks[name]
	return s, ok
}

// IsRegistered reports whether name has a registered handler. Suitable as a
// queue.TaskValidator.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.Get(name)
	return ok
}
