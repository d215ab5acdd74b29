package app

import (
	"fmt"
	"strings"

	"taskpilot/internal/config"
	"taskpilot/internal/history"
	"taskpilot/internal/resource"
	"taskpilot/internal/task/dispatch"
)

// Config section mapping: the JSON/YAML config uses duration strings and
// pointer-booleans; the services take parsed Go types. All parsing errors
// surface here so a bad hot-reload is rejected before anything is applied.

func mapResourceConfig(cfg *config.Config) (resource.Config, error) {
	rc := cfg.Resources

	sample, err := config.ParseDurationField("resources.sample_interval", rc.SampleInterval)
	if err != nil {
		return resource.Config{}, err
	}
	if rc.ThermalLimitC < 0 {
		return resource.Config{}, fmt.Errorf("resources.thermal_limit_c must be >= 0")
	}
	if rc.MemoryThresholdPct < 0 || rc.MemoryThresholdPct > 100 {
		return resource.Config{}, fmt.Errorf("resources.memory_threshold_pct must be in [0,100]")
	}
	if rc.Accelerator.MemoryMB < 0 {
		return resource.Config{}, fmt.Errorf("resources.accelerator.memory_mb must be >= 0")
	}

	// Omitted pointer-booleans default to true.
	batteryOpt := rc.BatteryOptimization == nil || *rc.BatteryOptimization
	thermal := rc.ThermalThrottling == nil || *rc.ThermalThrottling

	return resource.Config{
		SampleInterval:      sample,
		ThermalLimitC:       rc.ThermalLimitC,
		MemoryThresholdPct:  rc.MemoryThresholdPct,
		BatteryOptimization: batteryOpt,
		ThermalThrottling:   thermal,
		AcceleratorEnabled:  rc.Accelerator.Enabled,
		AcceleratorMemoryMB: rc.Accelerator.MemoryMB,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch

	if dc.MaxConcurrent < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.max_concurrent must be >= 0")
	}
	timeout, err := config.ParseDurationField("dispatch.default_timeout", dc.DefaultTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	poll, err := config.ParseDurationField("dispatch.poll_interval", dc.PollInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	retention, err := config.ParseDurationField("dispatch.retention", dc.Retention)
	if err != nil {
		return dispatch.Config{}, err
	}
	sweep, err := config.ParseDurationField("dispatch.sweep_interval", dc.SweepInterval)
	if err != nil {
		return dispatch.Config{}, err
	}

	return dispatch.Config{
		Enabled:        dc.Enabled,
		MaxConcurrent:  dc.MaxConcurrent,
		DefaultTimeout: timeout,
		PollInterval:   poll,
		Retention:      retention,
		SweepInterval:  sweep,
	}, nil
}

// mapHistoryConfig returns (cfg, enabled, err). History is optional.
func mapHistoryConfig(cfg *config.Config) (history.Config, bool, error) {
	hc := cfg.History
	if hc == nil {
		return history.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(hc.Driver))
	if driver == "" || driver == "none" {
		return history.Config{}, false, nil
	}

	busy, err := config.ParseDurationField("history.busy_timeout", hc.BusyTimeout)
	if err != nil {
		return history.Config{}, false, err
	}
	retention, err := config.ParseDurationField("history.retention", hc.Retention)
	if err != nil {
		return history.Config{}, false, err
	}

	return history.Config{
		Driver:      driver,
		Path:        hc.Path,
		BusyTimeout: busy,
		Retention:   retention,
	}, true, nil
}
