package app

import (
	"testing"
	"time"

	"taskpilot/internal/config"
)

func TestMapResourceConfig(t *testing.T) {
	cfg := &config.Config{Resources: config.ResourcesConfig{
		SampleInterval:     "2s",
		ThermalLimitC:      78,
		MemoryThresholdPct: 85,
		Accelerator:        config.AcceleratorConfig{Enabled: true, MemoryMB: 6144},
	}}

	rc, err := mapResourceConfig(cfg)
	if err != nil {
		t.Fatalf("mapResourceConfig: %v", err)
	}
	if rc.SampleInterval != 2*time.Second || rc.ThermalLimitC != 78 || rc.MemoryThresholdPct != 85 {
		t.Fatalf("mapped = %+v", rc)
	}
	if !rc.BatteryOptimization || !rc.ThermalThrottling {
		t.Fatal("omitted pointer-booleans did not default to true")
	}
	if !rc.AcceleratorEnabled || rc.AcceleratorMemoryMB != 6144 {
		t.Fatalf("accelerator = %+v", rc)
	}

	off := false
	cfg.Resources.BatteryOptimization = &off
	rc, err = mapResourceConfig(cfg)
	if err != nil {
		t.Fatalf("mapResourceConfig: %v", err)
	}
	if rc.BatteryOptimization {
		t.Fatal("explicit false was not preserved")
	}
}

func TestMapResourceConfigRejectsBadValues(t *testing.T) {
	cases := []config.ResourcesConfig{
		{SampleInterval: "soon"},
		{MemoryThresholdPct: 120},
		{ThermalLimitC: -1},
		{Accelerator: config.AcceleratorConfig{MemoryMB: -1}},
	}
	for i, rc := range cases {
		if _, err := mapResourceConfig(&config.Config{Resources: rc}); err == nil {
			t.Errorf("case %d: bad config accepted: %+v", i, rc)
		}
	}
}

func TestMapDispatchConfig(t *testing.T) {
	cfg := &config.Config{Dispatch: config.DispatchConfig{
		Enabled:        true,
		MaxConcurrent:  4,
		DefaultTimeout: "90s",
		PollInterval:   "50ms",
		Retention:      "12h",
		SweepInterval:  "30m",
	}}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if !dc.Enabled || dc.MaxConcurrent != 4 {
		t.Fatalf("mapped = %+v", dc)
	}
	if dc.DefaultTimeout != 90*time.Second || dc.PollInterval != 50*time.Millisecond {
		t.Fatalf("durations = %+v", dc)
	}
	if dc.Retention != 12*time.Hour || dc.SweepInterval != 30*time.Minute {
		t.Fatalf("retention = %+v", dc)
	}

	cfg.Dispatch.DefaultTimeout = "ninety"
	if _, err := mapDispatchConfig(cfg); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestMapHistoryConfig(t *testing.T) {
	if _, enabled, err := mapHistoryConfig(&config.Config{}); err != nil || enabled {
		t.Fatalf("nil history section: enabled=%v err=%v", enabled, err)
	}
	if _, enabled, err := mapHistoryConfig(&config.Config{History: &config.HistoryConfig{Driver: "none"}}); err != nil || enabled {
		t.Fatalf("driver none: enabled=%v err=%v", enabled, err)
	}

	hc, enabled, err := mapHistoryConfig(&config.Config{History: &config.HistoryConfig{
		Driver:      "SQLite",
		Path:        "./tasks.db",
		BusyTimeout: "1s",
		Retention:   "168h",
	}})
	if err != nil || !enabled {
		t.Fatalf("enabled=%v err=%v", enabled, err)
	}
	if hc.Driver != "sqlite" || hc.BusyTimeout != time.Second || hc.Retention != 168*time.Hour {
		t.Fatalf("mapped = %+v", hc)
	}
}
