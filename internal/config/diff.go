package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobqueue/pkg/logx"
)

// Sections that cannot change without a restart.
var restartSections = map[string]bool{
	"storage": true,
}

// SummarizeConfigChange returns the changed section names and safe structured
// fields for logging. Tokens are reported as presence only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.isolation", newCfg.Scheduler.IsolationMode()),
		)
	}

	if oldCfg.DefaultPolicy != newCfg.DefaultPolicy {
		changed = append(changed, "default_policy")
		if p, err := newCfg.DefaultPolicy.Resolve(); err == nil {
			attrs = append(attrs,
				logx.Duration("default_policy.timeout", p.Timeout),
				logx.Int("default_policy.max_attempts", p.MaxAttempts),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.DriverName()))
	}

	if httpChanged(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.ListenAddr()),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if names := changedTriggers(oldCfg.Triggers, newCfg.Triggers); len(names) > 0 {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Int("triggers.count", len(newCfg.Triggers)),
			logx.String("triggers.changed", strings.Join(names, ",")),
		)
	}

	return changed, attrs
}

// NeedsRestart reports the changed sections that only take effect on restart.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func httpChanged(a, b HTTPConfig) bool {
	// compare token presence, not value
	a.Token = boolToken(a.Token)
	b.Token = boolToken(b.Token)
	return a != b
}

func boolToken(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func changedTriggers(oldT, newT []TriggerConfig) []string {
	oldBy := make(map[string]TriggerConfig, len(oldT))
	for _, t := range oldT {
		oldBy[t.Name] = t
	}
	newBy := make(map[string]TriggerConfig, len(newT))
	for _, t := range newT {
		newBy[t.Name] = t
	}

	var out []string
	for name, t := range newBy {
		if prev, ok := oldBy[name]; !ok || !reflect.DeepEqual(prev, t) {
			out = append(out, name)
		}
	}
	for name := range oldBy {
		if _, ok := newBy[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
