package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "taskpilot/pkg/logx"
)

func fixedProbes(cpu, memPct float64, memTotal uint64, temp float64, onBattery bool) Probes {
	return Probes{
		CPUPercent:   func(ctx context.Context) (float64, error) { return cpu, nil },
		Memory:       func(ctx context.Context) (float64, uint64, error) { return memPct, memTotal, nil },
		TemperatureC: func(ctx context.Context) (float64, error) { return temp, nil },
		OnBattery:    func() (bool, bool, error) { return onBattery, true, nil },
	}
}

func TestSamplePopulatesSnapshot(t *testing.T) {
	m := New(Config{}, logx.Nop(), fixedProbes(42.5, 61.2, 32<<30, 55, false))

	if got := m.Current(); !got.SampledAt.IsZero() {
		t.Fatal("snapshot non-zero before first sample")
	}

	m.Sample(context.Background())
	got := m.Current()
	if got.SampledAt.IsZero() {
		t.Fatal("SampledAt still zero after sample")
	}
	if got.CPUPercent != 42.5 || got.MemoryPercent != 61.2 || got.MemoryTotal != 32<<30 || got.TemperatureC != 55 {
		t.Fatalf("snapshot = %+v", got)
	}
	if got.OnBattery || !got.BatteryKnown {
		t.Fatalf("battery fields = %+v", got)
	}
}

func TestSamplePartialFailureKeepsDimension(t *testing.T) {
	probes := fixedProbes(40, 50, 16<<30, 60, false)
	m := New(Config{}, logx.Nop(), probes)
	m.Sample(context.Background())

	// CPU probe starts failing; its last good value must survive.
	m.probes.CPUPercent = func(ctx context.Context) (float64, error) { return 0, errors.New("no cpu stats") }
	m.probes.Memory = func(ctx context.Context) (float64, uint64, error) { return 77, 16 << 30, nil }
	m.Sample(context.Background())

	got := m.Current()
	if got.CPUPercent != 40 {
		t.Fatalf("CPUPercent = %v, want previous 40", got.CPUPercent)
	}
	if got.MemoryPercent != 77 {
		t.Fatalf("MemoryPercent = %v, want fresh 77", got.MemoryPercent)
	}
}

func TestSampleTotalFailureKeepsSnapshot(t *testing.T) {
	m := New(Config{}, logx.Nop(), fixedProbes(40, 50, 16<<30, 60, false))
	m.Sample(context.Background())
	first := m.Current()

	fail := errors.New("platform says no")
	m.probes = Probes{
		CPUPercent:   func(ctx context.Context) (float64, error) { return 0, fail },
		Memory:       func(ctx context.Context) (float64, uint64, error) { return 0, 0, fail },
		TemperatureC: func(ctx context.Context) (float64, error) { return 0, fail },
		OnBattery:    func() (bool, bool, error) { return false, false, fail },
	}
	m.Sample(context.Background())

	if got := m.Current(); got != first {
		t.Fatalf("fully failed sample changed the snapshot: %+v vs %+v", got, first)
	}
}

func TestShouldThrottle(t *testing.T) {
	now := time.Now()
	base := Config{ThermalLimitC: 85, MemoryThresholdPct: 90}

	cases := []struct {
		name string
		cfg  Config
		m    Metrics
		want bool
	}{
		{
			name: "no pressure",
			cfg:  base,
			m:    Metrics{SampledAt: now, CPUPercent: 50, MemoryPercent: 50},
			want: false,
		},
		{
			name: "unsampled fails open",
			cfg:  base,
			m:    Metrics{MemoryPercent: 99},
			want: false,
		},
		{
			name: "memory pressure",
			cfg:  base,
			m:    Metrics{SampledAt: now, MemoryPercent: 95},
			want: true,
		},
		{
			name: "thermal over limit with throttling enabled",
			cfg:  Config{ThermalLimitC: 85, MemoryThresholdPct: 90, ThermalThrottling: true},
			m:    Metrics{SampledAt: now, TemperatureC: 91},
			want: true,
		},
		{
			name: "thermal over limit with throttling disabled",
			cfg:  base,
			m:    Metrics{SampledAt: now, TemperatureC: 91},
			want: false,
		},
		{
			name: "no sensor data never trips thermal",
			cfg:  Config{ThermalLimitC: 85, MemoryThresholdPct: 90, ThermalThrottling: true},
			m:    Metrics{SampledAt: now, TemperatureC: 0},
			want: false,
		},
		{
			name: "on battery with optimization",
			cfg:  Config{ThermalLimitC: 85, MemoryThresholdPct: 90, BatteryOptimization: true},
			m:    Metrics{SampledAt: now, OnBattery: true, BatteryKnown: true},
			want: true,
		},
		{
			name: "on battery without optimization",
			cfg:  base,
			m:    Metrics{SampledAt: now, OnBattery: true, BatteryKnown: true},
			want: false,
		},
		{
			name: "battery state unknown",
			cfg:  Config{ThermalLimitC: 85, MemoryThresholdPct: 90, BatteryOptimization: true},
			m:    Metrics{SampledAt: now, OnBattery: true, BatteryKnown: false},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := shouldThrottle(tc.cfg, tc.m); got != tc.want {
				t.Fatalf("shouldThrottle = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRecommendProfile(t *testing.T) {
	now := time.Now()
	base := Config{ThermalLimitC: 85, MemoryThresholdPct: 90}

	cases := []struct {
		name string
		cfg  Config
		m    Metrics
		want Profile
	}{
		{
			name: "throttling wins",
			cfg:  Config{ThermalLimitC: 85, MemoryThresholdPct: 90, AcceleratorEnabled: true, AcceleratorMemoryMB: 8192},
			m:    Metrics{SampledAt: now, MemoryPercent: 95},
			want: ProfilePowerSaver,
		},
		{
			name: "capable accelerator",
			cfg:  Config{ThermalLimitC: 85, MemoryThresholdPct: 90, AcceleratorEnabled: true, AcceleratorMemoryMB: 8192},
			m:    Metrics{SampledAt: now, MemoryTotal: 8 << 30},
			want: ProfileHighPerformance,
		},
		{
			name: "weak accelerator falls through",
			cfg:  Config{ThermalLimitC: 85, MemoryThresholdPct: 90, AcceleratorEnabled: true, AcceleratorMemoryMB: 2048},
			m:    Metrics{SampledAt: now, MemoryTotal: 8 << 30},
			want: ProfileLowPower,
		},
		{
			name: "big memory",
			cfg:  base,
			m:    Metrics{SampledAt: now, MemoryTotal: 32 << 30},
			want: ProfileBalanced,
		},
		{
			name: "small memory",
			cfg:  base,
			m:    Metrics{SampledAt: now, MemoryTotal: 8 << 30},
			want: ProfileLowPower,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := recommendProfile(tc.cfg, tc.m); got != tc.want {
				t.Fatalf("recommendProfile = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMonitorStartStop(t *testing.T) {
	m := New(Config{SampleInterval: 5 * time.Millisecond}, logx.Nop(), fixedProbes(10, 20, 16<<30, 40, false))
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !m.Current().SampledAt.IsZero() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if m.Current().SampledAt.IsZero() {
		t.Fatal("sampler never produced a snapshot")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Stop(ctx)
	m.Stop(ctx) // idempotent
}

func TestApplySwapsThresholds(t *testing.T) {
	m := New(Config{MemoryThresholdPct: 90}, logx.Nop(), fixedProbes(10, 85, 16<<30, 40, false))
	m.Sample(context.Background())

	if m.ShouldThrottle() {
		t.Fatal("85 percent memory throttled under a 90 percent threshold")
	}
	m.Apply(Config{MemoryThresholdPct: 80})
	if !m.ShouldThrottle() {
		t.Fatal("85 percent memory not throttled under an 80 percent threshold")
	}
}

func TestCanAccelerate(t *testing.T) {
	m := New(Config{AcceleratorEnabled: true}, logx.Nop(), fixedProbes(0, 0, 0, 0, false))
	if !m.CanAccelerate() {
		t.Fatal("accelerator enabled but CanAccelerate is false")
	}
	m.Apply(Config{})
	if m.CanAccelerate() {
		t.Fatal("accelerator disabled but CanAccelerate is true")
	}
}
