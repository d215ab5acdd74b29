package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	rtsup "taskpilot/internal/runtime/supervisor"
	logx "taskpilot/pkg/logx"
)

// Probes abstracts the system readers so tests can inject fixed values.
// Zero fields fall back to the gopsutil/battery implementations.
type Probes struct {
	CPUPercent   func(ctx context.Context) (float64, error)
	Memory       func(ctx context.Context) (percent float64, total uint64, err error)
	TemperatureC func(ctx context.Context) (float64, error)
	OnBattery    func() (onBattery, known bool, err error)
}

func (p Probes) withDefaults() Probes {
	if p.CPUPercent == nil {
		p.CPUPercent = func(ctx context.Context) (float64, error) {
			// Interval 0 compares against the previous call, so the sampler
			// never blocks for a measurement window.
			pcts, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(pcts) == 0 {
				return 0, err
			}
			return pcts[0], nil
		}
	}
	if p.Memory == nil {
		p.Memory = func(ctx context.Context) (float64, uint64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil || vm == nil {
				return 0, 0, err
			}
			return vm.UsedPercent, vm.Total, nil
		}
	}
	if p.TemperatureC == nil {
		p.TemperatureC = func(ctx context.Context) (float64, error) {
			stats, err := host.SensorsTemperaturesWithContext(ctx)
			if err != nil && len(stats) == 0 {
				return 0, err
			}
			hottest := 0.0
			for _, st := range stats {
				if st.Temperature > hottest {
					hottest = st.Temperature
				}
			}
			return hottest, nil
		}
	}
	if p.OnBattery == nil {
		p.OnBattery = func() (bool, bool, error) {
			bats, err := battery.GetAll()
			if err != nil || len(bats) == 0 {
				// Desktops without a battery land here; treat as mains power.
				return false, false, nil
			}
			for _, b := range bats {
				if b != nil && b.State == battery.Discharging {
					return true, true, nil
				}
			}
			return false, true, nil
		}
	}
	return p
}

// Monitor owns the background sampler and the shared snapshot.
type Monitor struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	probes Probes
	snap   atomic.Value // Metrics

	// Sampling failures are expected on exotic platforms; don't spam.
	warnLimit *rate.Limiter

	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger, probes Probes) *Monitor {
	m := &Monitor{
		cfg:       cfg.withDefaults(),
		log:       log,
		probes:    probes.withDefaults(),
		warnLimit: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	m.snap.Store(Metrics{})
	return m
}

// Apply swaps thresholds at runtime. The sample interval is re-read on the
// next tick.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Monitor) config() Config {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	return cfg
}

// Start launches the background sampler. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.sup != nil {
		m.mu.Unlock()
		return
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log.With(logx.String("comp", "resource"))))
	sup := m.sup
	m.mu.Unlock()

	sup.GoRestart("sampler", func(c context.Context) error {
		m.sampleLoop(c)
		return c.Err()
	})
}

// Stop halts the sampler and waits for it to exit.
func (m *Monitor) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	// Prime the snapshot right away so early admission checks see real data.
	m.Sample(ctx)

	for {
		interval := m.config().SampleInterval
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		m.Sample(ctx)
	}
}

// Sample takes one snapshot now. Partial probe failures keep the previous
// value for the failed dimension; a fully failed sample keeps the previous
// snapshot untouched.
func (m *Monitor) Sample(ctx context.Context) {
	prev := m.Current()
	next := prev
	now := time.Now()
	failed := 0

	if pct, err := m.probes.CPUPercent(ctx); err != nil {
		failed++
		m.warnSampleErr("cpu", err)
	} else {
		next.CPUPercent = pct
	}

	if pct, total, err := m.probes.Memory(ctx); err != nil {
		failed++
		m.warnSampleErr("memory", err)
	} else {
		next.MemoryPercent = pct
		next.MemoryTotal = total
	}

	if temp, err := m.probes.TemperatureC(ctx); err != nil {
		failed++
		m.warnSampleErr("thermal", err)
	} else {
		next.TemperatureC = temp
	}

	if onBat, known, err := m.probes.OnBattery(); err != nil {
		failed++
		m.warnSampleErr("battery", err)
	} else {
		next.OnBattery = onBat
		next.BatteryKnown = known
	}

	if failed == 4 && !prev.SampledAt.IsZero() {
		// Everything failed: keep the stale snapshot, including its timestamp.
		return
	}
	next.SampledAt = now
	m.snap.Store(next)
}

func (m *Monitor) warnSampleErr(probe string, err error) {
	if err == nil || m.log.IsZero() {
		return
	}
	if !m.warnLimit.Allow() {
		return
	}
	m.log.Warn("resource sample failed", logx.String("probe", probe), logx.Err(err))
}

// Current returns the last snapshot (zero value before the first sample).
func (m *Monitor) Current() Metrics {
	v := m.snap.Load()
	if v == nil {
		return Metrics{}
	}
	mm, ok := v.(Metrics)
	if !ok {
		return Metrics{}
	}
	return mm
}

// ShouldThrottle reports whether execution of low-priority work should be
// restricted right now.
func (m *Monitor) ShouldThrottle() bool {
	return shouldThrottle(m.config(), m.Current())
}

// Profile returns the recommended performance profile.
func (m *Monitor) Profile() Profile {
	return recommendProfile(m.config(), m.Current())
}

// CanAccelerate reports accelerator availability.
func (m *Monitor) CanAccelerate() bool {
	return m.config().AcceleratorEnabled
}
