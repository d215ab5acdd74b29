package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "taskpilot/pkg/logx"
)

const (
	retryBackoffBase = 500 * time.Millisecond
	retryBackoffMax  = 15 * time.Second
	defaultRetries   = 3
)

// worker is one member of the pool: dequeue, acquire a permit, re-check
// admission against live resource state, execute. Denied tasks go to the
// back of the queue; their aged effective priority rises until they pass.
func (s *Service) worker(ctx context.Context, stopCh chan struct{}, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		t, ok := s.dequeue()
		if !ok {
			if !s.idle(ctx, stopCh) {
				return
			}
			continue
		}

		if !s.acquirePermit(ctx, stopCh) {
			return
		}

		t.mu.Lock()
		runnable := !t.released && t.status == StatusPending
		eff := effectivePriority(t.opts.Priority, t.queuedAt, time.Now())
		t.mu.Unlock()
		if !runnable {
			s.releasePermit()
			continue
		}

		if !admit(s.res, eff) {
			s.releasePermit()
			s.deferTask(t, eff)
			if !s.idle(ctx, stopCh) {
				return
			}
			continue
		}

		atomic.AddInt32(&s.inFlight, 1)
		s.execOne(ctx, stopCh, t, idx, rng)
		atomic.AddInt32(&s.inFlight, -1)
		s.releasePermit()
	}
}

func (s *Service) dequeue() (*Task, bool) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	return q.TryDequeue()
}

// idle sleeps one poll interval. Returns false when the worker should exit.
func (s *Service) idle(ctx context.Context, stopCh chan struct{}) bool {
	timer := time.NewTimer(s.configSnapshot().PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) acquirePermit(ctx context.Context, stopCh chan struct{}) bool {
	s.mu.Lock()
	permits := s.permits
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-permits:
		return true
	}
}

func (s *Service) releasePermit() {
	s.mu.Lock()
	permits := s.permits
	s.mu.Unlock()
	select {
	case permits <- struct{}{}:
	default:
	}
}

// deferTask re-queues a task denied by the admission policy. Deferral is
// never a failure; queuedAt is preserved so aging keeps accruing.
func (s *Service) deferTask(t *Task, eff Priority) {
	snap := t.snapshot()
	if s.deferWarn.Allow() {
		s.log.Warn("task deferred under resource pressure",
			logx.String("task", snap.ID),
			logx.String("name", snap.Name),
			logx.String("effective_priority", eff.String()))
	}
	s.publishTask(EventDeferred, t, -1)

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	q.Enqueue(t)
}

// execOne runs a single task to a terminal state, then handles retry
// resubmission and recurrence re-arming.
func (s *Service) execOne(ctx context.Context, stopCh chan struct{}, t *Task, idx int, rng *rand.Rand) {
	now := time.Now()
	t.mu.Lock()
	if t.released || t.status != StatusPending || t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.status = StatusRunning
	t.startedAt = now
	desc := t.desc
	opts := t.opts
	attempt := t.attempt
	t.mu.Unlock()

	s.publishTask(EventStarted, t, idx)
	s.log.Debug("task started",
		logx.String("task", t.id),
		logx.String("name", desc.Name),
		logx.Int("worker", idx),
		logx.Int("attempt", attempt))

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = s.configSnapshot().DefaultTimeout
	}

	// The run context descends from the task's own cancel handle and carries
	// the per-run timeout. A bridge goroutine folds dispatcher shutdown in.
	runCtx, cancelRun := context.WithTimeout(t.ctx, timeout)
	if desc.PreferGPU && s.res != nil && s.res.CanAccelerate() {
		runCtx = context.WithValue(runCtx, acceleratorKey, true)
	}
	bridgeDone := make(chan struct{})
	go func() {
		select {
		case <-stopCh:
			cancelRun()
		case <-ctx.Done():
			cancelRun()
		case <-bridgeDone:
		}
	}()

	result, runErr := runSafely(runCtx, desc.Run)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancelRun()
	close(bridgeDone)

	stopping := false
	select {
	case <-stopCh:
		stopping = true
	default:
		if ctx.Err() != nil {
			stopping = true
		}
	}

	end := time.Now()
	t.mu.Lock()
	t.completedAt = end
	t.duration = end.Sub(t.startedAt)
	t.nextRunAt = time.Time{}
	switch {
	case t.ctx.Err() != nil:
		// Explicit Cancel wins over whatever the run returned.
		t.status = StatusCancelled
		t.errMsg = "cancelled"
	case runErr == nil:
		t.status = StatusCompleted
		t.result = result
	case timedOut || errors.Is(runErr, context.DeadlineExceeded):
		t.status = StatusFailed
		t.errMsg = fmt.Sprintf("timeout exceeded after %s", timeout)
	case stopping && errors.Is(runErr, context.Canceled):
		t.status = StatusCancelled
		t.errMsg = "dispatcher stopping"
	default:
		t.status = StatusFailed
		t.errMsg = runErr.Error()
	}
	status := t.status
	errMsg := t.errMsg
	dur := t.duration
	t.mu.Unlock()

	switch status {
	case StatusCompleted:
		s.publishTask(EventCompleted, t, idx)
		s.log.Debug("task completed",
			logx.String("task", t.id),
			logx.String("name", desc.Name),
			logx.Duration("duration", dur))
	case StatusFailed:
		s.publishTask(EventFailed, t, idx)
		s.log.Warn("task failed",
			logx.String("task", t.id),
			logx.String("name", desc.Name),
			logx.Int("attempt", attempt),
			logx.Duration("duration", dur),
			logx.String("err", errMsg))
	case StatusCancelled:
		s.publishTask(EventCancelled, t, idx)
		s.log.Debug("task cancelled",
			logx.String("task", t.id),
			logx.String("name", desc.Name))
	}

	if stopping {
		return
	}

	// Failed one-shot submissions may be retried as a fresh record; the
	// failed record itself stays immutable for history.
	if status == StatusFailed && !opts.Recurring && opts.RetryOnFailure {
		maxRetries := opts.MaxRetries
		if maxRetries <= 0 {
			maxRetries = defaultRetries
		}
		if attempt < maxRetries {
			s.resubmit(t, desc, opts, attempt+1, rng)
		}
	}

	// Recurring tasks re-arm the same record after each run; explicit
	// cancellation ends the series.
	if opts.Recurring && status != StatusCancelled {
		s.rearm(t, opts)
	}
}

func runSafely(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// resubmit schedules a retry as a new task record with a jittered
// exponential backoff delay.
func (s *Service) resubmit(prev *Task, desc Descriptor, opts Options, attempt int, rng *rand.Rand) {
	delay := backoffDelay(attempt, rng)
	nt := s.register(desc, opts, attempt, nil)
	s.publishTask(EventScheduled, nt, -1)
	s.log.Debug("task retry scheduled",
		logx.String("task", nt.id),
		logx.String("previous", prev.id),
		logx.String("name", desc.Name),
		logx.Int("attempt", attempt),
		logx.Duration("backoff", delay))
	s.armTimer(nt, delay)
}

// rearm resets a recurring task's record to Pending and schedules the next
// run. Runs never overlap: the next one is armed only after this one ended.
func (s *Service) rearm(t *Task, opts Options) {
	var d time.Duration
	t.mu.Lock()
	if t.released || t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	if t.cronSched != nil {
		d = time.Until(t.cronSched.Next(time.Now()))
	} else {
		d = opts.Interval
	}
	t.status = StatusPending
	t.startedAt = time.Time{}
	t.completedAt = time.Time{}
	t.queuedAt = time.Time{}
	t.duration = 0
	t.result = nil
	t.errMsg = ""
	t.mu.Unlock()

	s.armTimer(t, d)
}

// backoffDelay doubles from the base per attempt, caps at the max, and
// applies +-20% jitter so synchronized retries spread out.
func backoffDelay(attempt int, rng *rand.Rand) time.Duration {
	d := retryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryBackoffMax {
			d = retryBackoffMax
			break
		}
	}
	jitter := time.Duration(rng.Int63n(int64(d)/5+1)) - d/10
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}
