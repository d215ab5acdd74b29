package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"resources": {"sample_interval": "2s", "thermal_limit_c": 80},
		"dispatch": {"enabled": true, "max_concurrent": 5, "default_timeout": "1m"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Resources.SampleInterval != "2s" || cfg.Resources.ThermalLimitC != 80 {
		t.Fatalf("resources = %+v", cfg.Resources)
	}
	if !cfg.Dispatch.Enabled || cfg.Dispatch.MaxConcurrent != 5 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.History != nil {
		t.Fatalf("history = %+v, want nil", cfg.History)
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
resources:
  thermal_limit_c: 75
  battery_optimization: false
  accelerator:
    enabled: true
    memory_mb: 8192
dispatch:
  enabled: true
  max_concurrent: 2
history:
  driver: sqlite
  path: ./tasks.db
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Resources.ThermalLimitC != 75 {
		t.Fatalf("thermal_limit_c = %v", cfg.Resources.ThermalLimitC)
	}
	if cfg.Resources.BatteryOptimization == nil || *cfg.Resources.BatteryOptimization {
		t.Fatal("battery_optimization: explicit false was not preserved")
	}
	if cfg.Resources.ThermalThrottling != nil {
		t.Fatal("thermal_throttling: omitted field is not nil")
	}
	if !cfg.Resources.Accelerator.Enabled || cfg.Resources.Accelerator.MemoryMB != 8192 {
		t.Fatalf("accelerator = %+v", cfg.Resources.Accelerator)
	}
	if cfg.History == nil || cfg.History.Driver != "sqlite" {
		t.Fatalf("history = %+v", cfg.History)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"dispatch": {"enabled": true, "max_workers": 4}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"dispatch": {"enabled": true}}{"extra": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "dispatch: [unclosed")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	path := writeConfig(t, "config.json", `{"dispatch": {"enabled": true}}`)
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatal("Get returned config before Load")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestSubscribePublishDropOldest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second) // buffer full: oldest is dropped

	got := <-ch
	if got.Logging.Level != "debug" {
		t.Fatalf("subscriber got %q, want the newest config", got.Logging.Level)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second delivery: %+v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	m.Unsubscribe(ch) // double unsubscribe is a no-op
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"500ms", 500 * time.Millisecond, false},
		{"2m30s", 2*time.Minute + 30*time.Second, false},
		{"-1s", 0, true},
		{"5 seconds", 0, true},
		{"5", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDurationField(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}

	if d, err := ParseDurationOrDefault("test.field", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Errorf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("test.field", "3s", 7*time.Second); err != nil || d != 3*time.Second {
		t.Errorf("ParseDurationOrDefault set = %v, %v", d, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Dispatch: DispatchConfig{Enabled: true, MaxConcurrent: 2}}
	newCfg := &Config{Dispatch: DispatchConfig{Enabled: true, MaxConcurrent: 4}}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "dispatch" {
		t.Fatalf("changed = %v, want [dispatch]", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs for a changed section")
	}

	changed, _ = SummarizeChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
