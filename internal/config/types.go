package config

import (
	"jobqueue/internal/jobs"
)

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Logging       LoggingConfig   `json:"logging"`
	Scheduler     SchedulerConfig `json:"scheduler"`
	DefaultPolicy PolicyConfig    `json:"default_policy"`
	Storage       *StorageConfig  `json:"storage,omitempty"`
	HTTP          HTTPConfig      `json:"http"`
	Triggers      []TriggerConfig `json:"triggers,omitempty"`
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

// SchedulerConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - poll_interval: "500ms"
//   - max_wait: "5s"
//   - isolation: "process"
//   - outcome_grace: "1s"
type SchedulerConfig struct {
	// Enabled is a pointer so an omitted field defaults to true.
	Enabled      *bool  `json:"enabled,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	MaxWait      string `json:"max_wait,omitempty"`

	// Isolation is "process" (hard kill on timeout) or "inline"
	// (cooperative timeout only).
	Isolation    string `json:"isolation,omitempty"`
	OutcomeGrace string `json:"outcome_grace,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// PolicyConfig is the retry policy applied to submits without overrides.
// Omitted fields keep the built-in defaults (30s, 3, 1s, 2.0, none, 0s).
type PolicyConfig struct {
	Timeout           string  `json:"timeout,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	BackoffInitial    string  `json:"backoff_initial,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	BackoffMax        string  `json:"backoff_max,omitempty"`
	Jitter            string  `json:"jitter,omitempty"`
}

// StorageConfig controls the optional archive of finished jobs.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobqueue.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the HTTP API.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:8080").
//   - A non-loopback address requires a token or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// SubmitRatePerSec limits POST /jobs. 0 disables limiting.
	SubmitRatePerSec float64 `json:"submit_rate_per_sec,omitempty"`
	SubmitBurst      int     `json:"submit_burst,omitempty"`

	// Pprof mounts /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TriggerConfig submits Task on Schedule.
//
// Schedule accepts cron ("*/5 * * * *", "@hourly", "@every 1m"), a Go
// duration ("10m") or "HH:MM" as an interval.
type TriggerConfig struct {
	Name     string                `json:"name"`
	Schedule string                `json:"schedule"`
	Task     string                `json:"task"`
	Params   map[string]any        `json:"params,omitempty"`
	Policy   *jobs.PolicyOverrides `json:"policy,omitempty"`

	// SkipIfActive skips a firing while the trigger's previous job is still
	// queued or running. Defaults to true.
	SkipIfActive *bool `json:"skip_if_active,omitempty"`
}

func (t TriggerConfig) SkipsIfActive() bool { return t.SkipIfActive == nil || *t.SkipIfActive }
