package dispatch

import (
	"testing"
	"time"

	"taskpilot/internal/resource"
)

func TestHeuristicPriority(t *testing.T) {
	cases := []struct {
		name     string
		declared Priority
		want     Priority
	}{
		{"security-scan", PriorityNormal, PriorityCritical},
		{"critical-update", PriorityNormal, PriorityCritical},
		{"user-query", PriorityNormal, PriorityHigh},
		{"chat-response", PriorityNormal, PriorityHigh},
		{"background-index", PriorityNormal, PriorityLow},
		{"cleanup-cache", PriorityNormal, PriorityLow},
		{"embedding-refresh", PriorityNormal, PriorityNormal},
		// Explicit priorities are never overridden.
		{"background-index", PriorityCritical, PriorityCritical},
		{"security-scan", PriorityLow, PriorityLow},
	}
	for _, tc := range cases {
		if got := heuristicPriority(tc.name, tc.declared); got != tc.want {
			t.Errorf("heuristicPriority(%q, %v) = %v, want %v", tc.name, tc.declared, got, tc.want)
		}
	}
}

func TestAdjustSubmission(t *testing.T) {
	now := time.Now()

	t.Run("cpu pressure defers low priority", func(t *testing.T) {
		m := resource.Metrics{SampledAt: now, CPUPercent: 92}
		out := adjustSubmission(Options{Priority: PriorityLow}, m, "background-index")
		if out.Delay != lowPriorityDefer {
			t.Fatalf("Delay = %v, want %v", out.Delay, lowPriorityDefer)
		}
	})

	t.Run("cpu pressure leaves normal priority alone", func(t *testing.T) {
		m := resource.Metrics{SampledAt: now, CPUPercent: 92}
		out := adjustSubmission(Options{Priority: PriorityNormal}, m, "user-query")
		if out.Delay != 0 {
			t.Fatalf("Delay = %v, want 0", out.Delay)
		}
	})

	t.Run("memory pressure escalates memory tasks", func(t *testing.T) {
		m := resource.Metrics{SampledAt: now, MemoryPercent: 95}
		out := adjustSubmission(Options{Priority: PriorityNormal}, m, "memory-compaction")
		if out.Priority != PriorityCritical {
			t.Fatalf("Priority = %v, want critical", out.Priority)
		}
	})

	t.Run("unsampled metrics change nothing", func(t *testing.T) {
		out := adjustSubmission(Options{Priority: PriorityLow}, resource.Metrics{CPUPercent: 99}, "background-index")
		if out.Delay != 0 || out.Priority != PriorityLow {
			t.Fatalf("zero-sample metrics adjusted options: %+v", out)
		}
	})
}

func TestEffectivePriorityAging(t *testing.T) {
	now := time.Now()
	cases := []struct {
		p       Priority
		waited  time.Duration
		want    Priority
		comment string
	}{
		{PriorityLow, 0, PriorityLow, "no wait"},
		{PriorityLow, agingStep - time.Second, PriorityLow, "just under one step"},
		{PriorityLow, agingStep, PriorityNormal, "one step"},
		{PriorityLow, 3 * agingStep, PriorityCritical, "caps at critical"},
		{PriorityLow, 10 * agingStep, PriorityCritical, "stays capped"},
		{PriorityCritical, 5 * agingStep, PriorityCritical, "critical unchanged"},
	}
	for _, tc := range cases {
		got := effectivePriority(tc.p, now.Add(-tc.waited), now)
		if got != tc.want {
			t.Errorf("%s: effectivePriority(%v, waited %v) = %v, want %v", tc.comment, tc.p, tc.waited, got, tc.want)
		}
	}

	if got := effectivePriority(PriorityLow, time.Time{}, now); got != PriorityLow {
		t.Errorf("zero queuedAt aged priority to %v", got)
	}
}

func TestAdmit(t *testing.T) {
	if !admit(nil, PriorityLow) {
		t.Error("nil monitor must fail open")
	}

	calm := &fakeMonitor{}
	if !admit(calm, PriorityLow) {
		t.Error("no throttling must admit everything")
	}

	hot := &fakeMonitor{throttle: true}
	if admit(hot, PriorityLow) || admit(hot, PriorityNormal) {
		t.Error("throttling must deny below high")
	}
	if !admit(hot, PriorityHigh) || !admit(hot, PriorityCritical) {
		t.Error("throttling must admit high and critical")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	rng := newTestRand()
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 100; i++ {
			d := backoffDelay(attempt, rng)
			if d < 0 {
				t.Fatalf("attempt %d: negative delay %v", attempt, d)
			}
			// Cap plus the 20% jitter band.
			if limit := retryBackoffMax + retryBackoffMax/10; d > limit {
				t.Fatalf("attempt %d: delay %v above %v", attempt, d, limit)
			}
		}
	}
}
