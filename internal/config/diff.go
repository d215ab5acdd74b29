package config

import (
	"reflect"
	"strings"

	logx "taskpilot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Used by the app layer to log hot reloads
// without dumping the whole config.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Resources, newCfg.Resources) {
		changed = append(changed, "resources")
		attrs = append(attrs,
			logx.String("resources.sample_interval", strings.TrimSpace(newCfg.Resources.SampleInterval)),
			logx.Float64("resources.thermal_limit_c", newCfg.Resources.ThermalLimitC),
			logx.Bool("resources.accelerator", newCfg.Resources.Accelerator.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.Int("dispatch.max_concurrent", newCfg.Dispatch.MaxConcurrent),
			logx.String("dispatch.default_timeout", strings.TrimSpace(newCfg.Dispatch.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		if newCfg.History != nil {
			attrs = append(attrs,
				logx.String("history.driver", newCfg.History.Driver),
				logx.Bool("history.path_set", strings.TrimSpace(newCfg.History.Path) != ""),
			)
		}
	}

	return changed, attrs
}
