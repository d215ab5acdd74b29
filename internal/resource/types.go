package resource

import "time"

// Config controls sampling and throttle thresholds.
//
// The app layer maps config.resources into this struct.
type Config struct {
	SampleInterval time.Duration

	// ThermalLimitC is the temperature above which thermal throttling kicks in.
	ThermalLimitC float64

	// MemoryThresholdPct is the memory usage above which ShouldThrottle fires.
	MemoryThresholdPct float64

	BatteryOptimization bool
	ThermalThrottling   bool

	// Accelerator availability is declared, not probed; the surrounding
	// application knows what the model runner can use.
	AcceleratorEnabled  bool
	AcceleratorMemoryMB int
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	if c.ThermalLimitC <= 0 {
		c.ThermalLimitC = 85
	}
	if c.MemoryThresholdPct <= 0 {
		c.MemoryThresholdPct = 90
	}
	return c
}

// Metrics is a point-in-time snapshot of system load.
//
// A zero SampledAt means no sample has succeeded yet; policy code treats
// that as "no pressure" (fail-open).
type Metrics struct {
	SampledAt time.Time

	CPUPercent    float64
	MemoryPercent float64
	MemoryTotal   uint64

	// TemperatureC is the hottest reported sensor; 0 when no sensor data.
	TemperatureC float64

	// OnBattery is meaningful only when BatteryKnown is true (machines
	// without a battery report BatteryKnown=false).
	OnBattery    bool
	BatteryKnown bool
}

// Profile is the recommended performance profile given current load.
type Profile int

const (
	ProfilePowerSaver Profile = iota
	ProfileLowPower
	ProfileBalanced
	ProfileHighPerformance
)

func (p Profile) String() string {
	switch p {
	case ProfilePowerSaver:
		return "power_saver"
	case ProfileLowPower:
		return "low_power"
	case ProfileBalanced:
		return "balanced"
	case ProfileHighPerformance:
		return "high_performance"
	default:
		return "unknown"
	}
}

const (
	balancedMemoryBytes = 16 << 30 // total RAM needed for Balanced
	acceleratorMinMemMB = 4096     // dedicated memory needed for HighPerformance
)

// shouldThrottle is the pure throttle policy over a snapshot.
func shouldThrottle(cfg Config, m Metrics) bool {
	if m.SampledAt.IsZero() {
		return false
	}
	if cfg.BatteryOptimization && m.BatteryKnown && m.OnBattery {
		return true
	}
	if cfg.ThermalThrottling && m.TemperatureC > 0 && m.TemperatureC > cfg.ThermalLimitC {
		return true
	}
	return m.MemoryPercent > cfg.MemoryThresholdPct
}

// recommendProfile is the pure profile policy over a snapshot.
func recommendProfile(cfg Config, m Metrics) Profile {
	if shouldThrottle(cfg, m) {
		return ProfilePowerSaver
	}
	if cfg.AcceleratorEnabled && cfg.AcceleratorMemoryMB >= acceleratorMinMemMB {
		return ProfileHighPerformance
	}
	if m.MemoryTotal >= balancedMemoryBytes {
		return ProfileBalanced
	}
	return ProfileLowPower
}
