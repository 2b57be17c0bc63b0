package queue

import "time"

// Priority orders dispatch within a queue: high always preempts normal,
// normal always preempts low, at dispatch time (spec §4.E ordering
// guarantees).
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityOrder = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Status is a Job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
	StatusCancelled Status = "cancelled"
)

// Progress is the last progress report a handler published.
type Progress struct {
	Step    string `json:"step,omitempty"`
	Percent int    `json:"percent"`
}

// Job is the full persisted state of one unit of work (spec §3).
type Job struct {
	JobID         string         `json:"job_id"`
	TaskName      string         `json:"task_name"`
	Payload       []byte         `json:"payload"`
	Priority      Priority       `json:"priority"`
	QueueName     string         `json:"queue_name"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	TimeoutSecond int            `json:"timeout_seconds"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	Result        string         `json:"result,omitempty"`
	Progress      Progress       `json:"progress"`
	UserID        string         `json:"user_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Cancelled     bool           `json:"cancelled"`
}

// EnqueueOptions configures a single Enqueue call. JobID, when set, is used
// as an idempotency key: a duplicate JobID is a no-op that returns the
// existing record.
type EnqueueOptions struct {
	JobID        string
	Priority     Priority
	DelaySeconds int
	MaxAttempts  int
	Timeout      time.Duration
	Metadata     map[string]any
	UserID       string
}

func (o EnqueueOptions) priorityOrDefault() Priority {
	if o.Priority == "" {
		return PriorityNormal
	}
	return o.Priority
}

func (o EnqueueOptions) maxAttemptsOrDefault() int {
	if o.MaxAttempts <= 0 {
		return 1
	}
	return o.MaxAttempts
}

func (o EnqueueOptions) timeoutOrDefault() time.Duration {
	if o.Timeout <= 0 {
		return 30 * time.Second
	}
	return o.Timeout
}
