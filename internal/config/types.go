package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Resources controls the background resource monitor feeding the
	// dispatcher's admission policy.
	Resources ResourcesConfig `json:"resources"`

	// Dispatch controls the task dispatcher (worker pool + scheduling).
	Dispatch DispatchConfig `json:"dispatch"`

	// History controls the optional persistence of terminal task records.
	History *HistoryConfig `json:"history,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ResourcesConfig controls resource sampling and throttle thresholds.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - sample_interval: "5s"
//   - thermal_limit_c: 85
//   - memory_threshold_pct: 90
//   - battery_optimization: true
//   - thermal_throttling: true
type ResourcesConfig struct {
	SampleInterval     string  `json:"sample_interval,omitempty"`
	ThermalLimitC      float64 `json:"thermal_limit_c,omitempty"`
	MemoryThresholdPct float64 `json:"memory_threshold_pct,omitempty"`

	// Pointers distinguish "omitted" (default true) from an explicit false.
	BatteryOptimization *bool `json:"battery_optimization,omitempty"`
	ThermalThrottling   *bool `json:"thermal_throttling,omitempty"`

	Accelerator AcceleratorConfig `json:"accelerator"`
}

// AcceleratorConfig declares accelerator availability for the profile
// recommendation. Hardware probing is out of scope; the surrounding
// application knows what the model runner can use.
type AcceleratorConfig struct {
	Enabled  bool `json:"enabled"`
	MemoryMB int  `json:"memory_mb,omitempty"`
}

// DispatchConfig controls the task dispatcher.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 3
//   - default_timeout: "5m"
//   - poll_interval: "100ms"
//   - retention: "24h"
//   - sweep_interval: "1h"
type DispatchConfig struct {
	Enabled       bool   `json:"enabled"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`

	// Retention bounds how long terminal tasks stay queryable in the registry.
	Retention     string `json:"retention,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// HistoryConfig controls the optional persistence layer.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./taskpilot.db" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   string `json:"retention,omitempty"`
}
