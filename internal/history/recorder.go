package history

import (
	"context"
	"time"

	"taskpilot/internal/eventbus"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task/dispatch"
	logx "taskpilot/pkg/logx"
)

// Recorder subscribes to the event bus and appends terminal task outcomes
// to the store. It is an observer: a slow or broken store never blocks the
// dispatcher, only drops history.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	sup *rtsup.Supervisor
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log}
}

// Start launches the consumer goroutine. No-op when the store is disabled.
func (r *Recorder) Start(ctx context.Context) {
	if r.store == nil || r.bus == nil || r.sup != nil {
		return
	}
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log))
	r.sup.GoRestart("history.recorder", func(c context.Context) error {
		r.consume(c)
		return c.Err()
	})
}

// Stop halts the consumer and closes the store.
func (r *Recorder) Stop(ctx context.Context) {
	if r.sup != nil {
		_ = r.sup.Stop(ctx)
		r.sup = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warn("history store close failed", logx.Err(err))
		}
	}
}

func (r *Recorder) consume(ctx context.Context) {
	ch, unsub := r.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !terminalEvent(ev.Type) {
				continue
			}
			te, ok := ev.Data.(dispatch.TaskEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, time.Second)
			err := r.store.Append(wctx, Record{
				TaskID:   te.ID,
				Name:     te.Name,
				Priority: te.Priority,
				Status:   te.Status,
				Attempt:  te.Attempt,
				Duration: te.Duration,
				Error:    te.Error,
				At:       ev.Time,
			})
			cancel()
			if err != nil {
				r.log.Warn("history append failed", logx.String("task", te.ID), logx.Err(err))
			}
		}
	}
}

func terminalEvent(typ string) bool {
	switch typ {
	case dispatch.EventCompleted, dispatch.EventFailed, dispatch.EventCancelled:
		return true
	}
	return false
}
