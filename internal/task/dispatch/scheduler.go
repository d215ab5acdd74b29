package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskpilot/internal/eventbus"
	rtsup "taskpilot/internal/runtime/supervisor"
	logx "taskpilot/pkg/logx"
)

// Service is the background task dispatcher. Submissions go through
// Schedule; a pool of MaxConcurrent workers drains the queue, gated by a
// permit semaphore of the same size and by the resource admission policy.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	bus eventbus.Bus
	res Monitor

	parser cron.Parser

	queue *fifoQueue
	reg   *registry

	permits  chan struct{}
	inFlight int32

	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor

	// deferWarn throttles the "task deferred" warning under sustained
	// resource pressure so the log stays readable.
	deferWarn *rate.Limiter
}

func New(cfg Config, res Monitor, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		res:       res,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		queue:     &fifoQueue{},
		reg:       newRegistry(),
		deferWarn: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Start spins up the worker pool and registers the housekeeping tasks.
// Idempotent; returns ErrDisabled when the dispatcher is configured off.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return nil // already running
		}
		// Mid-stop: wait for the previous instance to wind down, then retry.
		select {
		case <-done:
			return s.Start(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	n := s.cfg.MaxConcurrent
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.permits = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		s.permits <- struct{}{}
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	stopCh := s.stopCh
	for i := 0; i < n; i++ {
		idx := i
		s.sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, idx)
			return c.Err()
		})
	}
	housekeeping := !s.cfg.HousekeepingDisabled
	s.mu.Unlock()

	if housekeeping {
		s.registerHousekeeping()
	}

	s.log.Info("dispatcher started", logx.Int("workers", n))
	s.publishStatus(fmt.Sprintf("dispatcher started with %d workers", n))
	return nil
}

// Stop signals all workers and in-flight tasks to cancel, waits for workers
// to exit, marks still-pending tasks cancelled and clears the registry.
// Bounded by ctx; idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	reg := s.reg
	close(s.stopCh)
	s.mu.Unlock()

	// Cancels the worker contexts, which in turn cancels every running
	// task's run context; tasks must observe it cooperatively.
	sup.Cancel()

	go func() {
		defer close(done)
		_ = sup.Wait(context.Background())

		// Whatever never got to run is cancelled, not lost silently.
		for _, t := range reg.pending() {
			if s.markCancelled(t, "dispatcher stopped") {
				s.publishTask(EventCancelled, t, -1)
			}
		}
		reg.clear()

		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.queue = &fifoQueue{}
		s.reg = newRegistry()
		s.mu.Unlock()

		s.log.Info("dispatcher stopped")
		s.publishStatus("dispatcher stopped")
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply installs a new configuration. Timeouts, retention and sweep
// cadence take effect in place; the return value reports whether the
// change needs a worker pool restart (enable flag, pool size, poll
// cadence), which the caller drives via Stop/Start.
func (s *Service) Apply(cfg Config) bool {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	return old.Enabled != cfg.Enabled ||
		old.MaxConcurrent != cfg.MaxConcurrent ||
		old.PollInterval != cfg.PollInterval
}

// Enabled reports the configured enable flag.
func (s *Service) Enabled() bool {
	return s.configSnapshot().Enabled
}

// Schedule validates and registers a submission, returning its task id.
// Delayed and cron tasks are armed on a timer; everything else is queued
// immediately.
func (s *Service) Schedule(desc Descriptor, opts Options) (string, error) {
	if err := validate(desc, opts); err != nil {
		return "", err
	}

	var sched cron.Schedule
	if opts.Recurring && opts.CronSpec != "" {
		var err error
		sched, err = s.parser.Parse(opts.CronSpec)
		if err != nil {
			return "", fmt.Errorf("%w: cron spec %q: %v", ErrInvalidTask, opts.CronSpec, err)
		}
	}

	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if s.stopDone != nil {
		s.mu.Unlock()
		return "", ErrStopping
	}
	s.mu.Unlock()

	opts.Priority = heuristicPriority(desc.Name, opts.Priority)
	if s.res != nil {
		opts = adjustSubmission(opts, s.res.Current(), desc.Name)
	}

	t := s.register(desc, opts, 0, sched)
	s.publishTask(EventScheduled, t, -1)
	s.log.Debug("task scheduled",
		logx.String("task", t.id),
		logx.String("name", desc.Name),
		logx.String("priority", opts.Priority.String()),
		logx.Bool("recurring", opts.Recurring))

	switch {
	case opts.Delay > 0:
		s.armTimer(t, opts.Delay)
	case sched != nil:
		s.armTimer(t, time.Until(sched.Next(time.Now())))
	default:
		s.enqueueReady(t)
	}
	return t.id, nil
}

func validate(desc Descriptor, opts Options) error {
	if desc.Run == nil {
		return fmt.Errorf("%w: nil run func", ErrInvalidTask)
	}
	if desc.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTask)
	}
	if opts.Delay < 0 || desc.Timeout < 0 || opts.MaxRetries < 0 {
		return fmt.Errorf("%w: negative duration or retry count", ErrInvalidTask)
	}
	if opts.Recurring && opts.Interval <= 0 && opts.CronSpec == "" {
		return fmt.Errorf("%w: recurring task needs an interval or cron spec", ErrInvalidTask)
	}
	return nil
}

func (s *Service) register(desc Descriptor, opts Options, attempt int, sched cron.Schedule) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:        uuid.NewString(),
		desc:      desc,
		opts:      opts,
		status:    StatusPending,
		createdAt: time.Now(),
		attempt:   attempt,
		ctx:       ctx,
		cancel:    cancel,
		cronSched: sched,
	}
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	reg.add(t)
	return t
}

// armTimer schedules the task to become ready after d. The version counter
// invalidates callbacks from timers replaced by a later re-arm.
func (s *Service) armTimer(t *Task, d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	if t.released || t.status != StatusPending {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timerVer++
	ver := t.timerVer
	t.nextRunAt = time.Now().Add(d)
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		stale := t.timerVer != ver || t.released || t.status != StatusPending
		t.mu.Unlock()
		if stale {
			return
		}
		s.enqueueReady(t)
	})
	t.mu.Unlock()
}

// enqueueReady stamps the first-queued time (aging baseline) and hands the
// task to the workers. No-op once stopping or the task has moved on.
func (s *Service) enqueueReady(t *Task) {
	s.mu.Lock()
	stopCh, q := s.stopCh, s.queue
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
		return
	default:
	}

	t.mu.Lock()
	if t.released || t.status != StatusPending {
		t.mu.Unlock()
		return
	}
	if t.queuedAt.IsZero() {
		t.queuedAt = time.Now()
	}
	t.nextRunAt = time.Time{}
	t.mu.Unlock()

	q.Enqueue(t)
}

// Cancel requests cancellation of a task. Pending tasks transition to
// Cancelled immediately; running tasks get their context cancelled and
// transition when the run observes it. Returns false for unknown or
// already-terminal tasks.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()

	t := reg.get(id)
	if t == nil {
		return false
	}

	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return false
	}
	wasPending := t.status == StatusPending
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timerVer++
	if t.cancel != nil {
		t.cancel()
	}
	if wasPending {
		t.status = StatusCancelled
		t.completedAt = time.Now()
		t.errMsg = "cancelled before start"
		t.nextRunAt = time.Time{}
	}
	t.mu.Unlock()

	if wasPending {
		s.publishTask(EventCancelled, t, -1)
		s.log.Debug("pending task cancelled", logx.String("task", id))
	} else {
		s.log.Debug("running task cancellation requested", logx.String("task", id))
	}
	return true
}

// markCancelled flips a still-pending task to Cancelled. Returns whether
// this call performed the transition.
func (s *Service) markCancelled(t *Task, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusCancelled
	t.completedAt = time.Now()
	t.errMsg = reason
	t.nextRunAt = time.Time{}
	return true
}

// GetStatus returns an immutable snapshot of one task. Stable across calls
// once the task is terminal, until retention sweeps it out.
func (s *Service) GetStatus(id string) (Snapshot, bool) {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	t := reg.get(id)
	if t == nil {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// GetActiveTasks returns pending and running tasks, newest first.
func (s *Service) GetActiveTasks() []Snapshot {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	return reg.active()
}

// GetRecentTasks returns up to limit tasks across all states, newest first.
func (s *Service) GetRecentTasks(limit int) []Snapshot {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	return reg.recent(limit)
}

// GetStatistics aggregates counts, success rate and average completed
// duration over everything still in the registry.
func (s *Service) GetStatistics() Statistics {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	return reg.stats()
}

// Snapshot returns a diagnostics view of the dispatcher.
func (s *Service) Snapshot() DiagSnapshot {
	s.mu.Lock()
	cfg := s.cfg
	q, reg := s.queue, s.reg
	s.mu.Unlock()

	d := DiagSnapshot{
		Enabled:       cfg.Enabled,
		MaxConcurrent: cfg.MaxConcurrent,
		QueueLen:      q.Len(),
		InFlight:      int(atomic.LoadInt32(&s.inFlight)),
		Stats:         reg.stats(),
	}
	if s.res != nil {
		d.Throttling = s.res.ShouldThrottle()
		d.Profile = s.res.Profile().String()
	}
	return d
}

// sweepOnce removes terminal tasks older than the retention window.
func (s *Service) sweepOnce() int {
	s.mu.Lock()
	cfg := s.cfg
	reg := s.reg
	s.mu.Unlock()

	removed := reg.sweep(time.Now().Add(-cfg.Retention))
	if removed > 0 {
		s.log.Debug("task history swept", logx.Int("removed", removed))
	}
	return removed
}

func (s *Service) configSnapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) publishTask(typ string, t *Task, worker int) {
	if s.bus == nil {
		return
	}
	snap := t.snapshot()
	ev := TaskEvent{
		ID:       snap.ID,
		Name:     snap.Name,
		Priority: snap.Priority.String(),
		Status:   snap.Status.String(),
		Attempt:  snap.Attempt,
		Duration: snap.Duration,
		Result:   snap.Result,
		Error:    snap.Error,
	}
	if worker >= 0 {
		ev.Worker = worker
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) publishStatus(msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: EventStatus, Data: StatusEvent{Message: msg}})
}
