package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/resource"
)

// Config controls the dispatcher.
//
// MaxConcurrent is the single knob bounding execution: it sizes both the
// worker pool and the permit semaphore, so Running tasks never exceed it.
// The app layer maps config.dispatch into this struct.
type Config struct {
	Enabled       bool
	MaxConcurrent int

	// DefaultTimeout is used when a descriptor's Timeout is 0.
	DefaultTimeout time.Duration

	// PollInterval is how long an idle worker sleeps before re-polling the queue.
	PollInterval time.Duration

	// Retention bounds how long terminal tasks stay queryable in the registry.
	Retention time.Duration

	// SweepInterval is how often the cleanup pass removes expired entries.
	SweepInterval time.Duration

	// HousekeepingDisabled skips registering the built-in maintenance tasks.
	// For embedders (and tests) that run their own maintenance.
	HousekeepingDisabled bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	return c
}

// Priority orders admission: Critical > High > Normal > Low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is the task lifecycle state machine. Transitions are monotonic:
// Pending -> Running -> {Completed, Failed, Cancelled}; only a recurring
// task's record re-enters Pending, as a fresh logical run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Func is the unit of work. Implementations must observe ctx for cooperative
// cancellation and timeout; the dispatcher never kills execution forcibly.
type Func func(ctx context.Context) (any, error)

// Descriptor is the caller-supplied specification of work. Immutable once
// submitted.
type Descriptor struct {
	Name    string
	Run     Func
	Timeout time.Duration

	// PreferGPU requests accelerator execution when available; CPU fallback
	// is always allowed. The hint reaches the task via AcceleratorFromContext.
	PreferGPU bool

	Metadata map[string]string
}

// Options controls scheduling of one submission.
type Options struct {
	Priority Priority

	// Delay postpones the first queuing; zero means immediate.
	Delay time.Duration

	// Recurring re-arms the task after each run using Interval, or CronSpec
	// when set (standard cron, seconds field optional).
	Recurring bool
	Interval  time.Duration
	CronSpec  string

	RetryOnFailure bool
	MaxRetries     int
}

type ctxKey int

const acceleratorKey ctxKey = iota

// AcceleratorFromContext reports whether the dispatcher granted this run the
// accelerator hint (PreferGPU requested and an accelerator is available).
func AcceleratorFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(acceleratorKey).(bool)
	return v
}

// Task is the dispatcher-owned, mutable tracking record for one submission.
// All mutation goes through its own mutex so single-task transitions stay
// linearizable regardless of which worker touches it.
type Task struct {
	mu sync.Mutex

	id   string
	desc Descriptor
	opts Options

	status      Status
	createdAt   time.Time
	queuedAt    time.Time // first enqueue; drives priority aging
	startedAt   time.Time
	completedAt time.Time
	duration    time.Duration

	result any
	errMsg string

	// attempt counts retry resubmissions (0 for the original submission).
	attempt int

	// Owned cancellation handle; cancelling stops the current run and any
	// future recurrence of this record.
	ctx    context.Context
	cancel context.CancelFunc

	// Owned delay/recurrence timer. timerVer invalidates stale callbacks
	// from replaced timers.
	timer     *time.Timer
	timerVer  uint64
	nextRunAt time.Time

	// cronSched drives recurrence when Options.CronSpec is set.
	cronSched cron.Schedule

	released bool
}

func (t *Task) ID() string { return t.id }

func (t *Task) cancelRequested() bool {
	return t.ctx.Err() != nil
}

// Snapshot is an immutable copy of a task's current state.
type Snapshot struct {
	ID       string
	Name     string
	Priority Priority
	Status   Status

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	NextRunAt   time.Time
	Duration    time.Duration

	Result  any
	Error   string
	Attempt int

	Recurring bool
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:          t.id,
		Name:        t.desc.Name,
		Priority:    t.opts.Priority,
		Status:      t.status,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		NextRunAt:   t.nextRunAt,
		Duration:    t.duration,
		Result:      t.result,
		Error:       t.errMsg,
		Attempt:     t.attempt,
		Recurring:   t.opts.Recurring,
	}
}

// release disposes the task's timer and cancellation handle. Idempotent;
// called at registry removal, not at the terminal transition, so late
// GetStatus calls can still read the result.
func (t *Task) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// Statistics aggregates registry state. The per-status counts always sum
// to Total.
type Statistics struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int

	// SuccessRate is completed / (completed + failed); cancellations are
	// excluded since they are not execution outcomes.
	SuccessRate float64

	// AvgDuration averages completed runs.
	AvgDuration time.Duration
}

// Event type constants published on the bus.
const (
	EventScheduled = "task.scheduled"
	EventStarted   = "task.started"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
	EventDeferred  = "task.deferred"
	EventStatus    = "dispatch.status"
)

// TaskEvent is the payload for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Priority string        `json:"priority"`
	Status   string        `json:"status"`
	Worker   int           `json:"worker,omitempty"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration,omitempty"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// StatusEvent carries free-form dispatcher status messages.
type StatusEvent struct {
	Message string `json:"message"`
}

// Monitor is the narrow view of the resource monitor the dispatcher needs.
// *resource.Monitor satisfies it; tests inject fakes.
type Monitor interface {
	Current() resource.Metrics
	ShouldThrottle() bool
	CanAccelerate() bool
	Profile() resource.Profile
	Sample(ctx context.Context)
}

// DiagSnapshot is a lightweight view for diagnostics.
type DiagSnapshot struct {
	Enabled       bool
	MaxConcurrent int
	QueueLen      int
	InFlight      int
	Throttling    bool
	Profile       string
	Stats         Statistics
}
