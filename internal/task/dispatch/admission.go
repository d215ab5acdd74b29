package dispatch

import (
	"strings"
	"time"

	"taskpilot/internal/resource"
)

// Admission policy. All of this is pure over a metrics snapshot so it can be
// re-evaluated at every dispatch without mutating the stored options: the
// submitted priority stays auditable, the effective priority is computed.

const (
	// cpuDeferThreshold pushes back low-priority work at submission time.
	cpuDeferThreshold = 80.0
	lowPriorityDefer  = 30 * time.Second

	// memEscalateThreshold escalates memory-related tasks to Critical.
	memEscalateThreshold = 90.0

	// agingStep raises a waiting task's effective priority one level per
	// elapsed step, so sustained throttling cannot starve Low tasks.
	agingStep = 2 * time.Minute
)

// heuristicPriority fills in a priority from the task name when the caller
// left it at Normal. Explicitly chosen priorities are never overridden.
func heuristicPriority(name string, declared Priority) Priority {
	if declared != PriorityNormal {
		return declared
	}
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "critical") || strings.Contains(n, "security"):
		return PriorityCritical
	case strings.Contains(n, "user") || strings.Contains(n, "chat"):
		return PriorityHigh
	case strings.Contains(n, "background") || strings.Contains(n, "cleanup"):
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// adjustSubmission applies resource-pressure adjustments at Schedule() time:
// under CPU pressure a Low task's delay is pushed back; under memory pressure
// a task whose name mentions memory is escalated to Critical.
func adjustSubmission(opts Options, m resource.Metrics, name string) Options {
	if m.SampledAt.IsZero() {
		return opts
	}
	if m.CPUPercent > cpuDeferThreshold && opts.Priority == PriorityLow {
		opts.Delay += lowPriorityDefer
	}
	if m.MemoryPercent > memEscalateThreshold && strings.Contains(strings.ToLower(name), "memory") {
		opts.Priority = PriorityCritical
	}
	return opts
}

// effectivePriority ages a waiting task upward: one level per agingStep since
// it was first queued, capped at Critical.
func effectivePriority(p Priority, queuedAt, now time.Time) Priority {
	if queuedAt.IsZero() || !now.After(queuedAt) {
		return p
	}
	aged := p + Priority(now.Sub(queuedAt)/agingStep)
	if aged > PriorityCritical {
		aged = PriorityCritical
	}
	if aged < p {
		return p
	}
	return aged
}

// admit decides whether a dequeued task may proceed to execution.
// Throttling denies anything below High; a denial is a deferral, never a
// failure. A monitor that cannot answer fails open.
func admit(mon Monitor, eff Priority) bool {
	if mon == nil {
		return true
	}
	if !mon.ShouldThrottle() {
		return true
	}
	return eff >= PriorityHigh
}
