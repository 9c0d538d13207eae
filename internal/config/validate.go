package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobqueue/internal/jobs"
	"jobqueue/internal/trigger"
	logx "jobqueue/pkg/logx"
)

const (
	IsolationProcess = "process"
	IsolationInline  = "inline"

	DriverNone   = "none"
	DriverFile   = "file"
	DriverSQLite = "sqlite"

	DefaultHTTPAddr     = "127.0.0.1:8080"
	DefaultOutcomeGrace = time.Second
)

// Validate checks every section without side effects. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if _, err := cfg.Scheduler.Resolve(); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Scheduler.IsolationMode() {
	case IsolationProcess, IsolationInline:
	default:
		errs = append(errs, fmt.Errorf("scheduler.isolation: must be %q or %q", IsolationProcess, IsolationInline))
	}
	if _, err := cfg.Scheduler.Grace(); err != nil {
		errs = append(errs, err)
	}

	if _, err := cfg.DefaultPolicy.Resolve(); err != nil {
		errs = append(errs, err)
	}

	if st := cfg.Storage; st != nil {
		switch st.DriverName() {
		case DriverNone:
		case DriverFile, DriverSQLite:
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", st.DriverName()))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.HTTP.SubmitRatePerSec < 0 {
		errs = append(errs, errors.New("http.submit_rate_per_sec: must be >= 0"))
	}
	if cfg.HTTP.SubmitBurst < 0 {
		errs = append(errs, errors.New("http.submit_burst: must be >= 0"))
	}
	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Triggers))
	for i, t := range cfg.Triggers {
		name := strings.TrimSpace(t.Name)
		prefix := fmt.Sprintf("triggers[%d]", i)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", prefix))
		} else {
			prefix = fmt.Sprintf("triggers[%s]", name)
			if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate name", prefix))
			}
			seen[name] = struct{}{}
		}
		if strings.TrimSpace(t.Task) == "" {
			errs = append(errs, fmt.Errorf("%s.task: required", prefix))
		}
		if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", prefix, err))
		}
		if t.Policy != nil {
			if _, err := t.Policy.Apply(jobs.DefaultPolicy()); err != nil {
				errs = append(errs, fmt.Errorf("%s.policy: %w", prefix, err))
			}
		}
	}

	return errors.Join(errs...)
}

// Resolve converts the section into worker pool settings.
func (s SchedulerConfig) Resolve() (jobs.Config, error) {
	if s.Workers < 0 {
		return jobs.Config{}, errors.New("scheduler.workers: must be >= 0")
	}
	poll, err := ParseDurationOrDefault("scheduler.poll_interval", s.PollInterval, 500*time.Millisecond)
	if err != nil {
		return jobs.Config{}, err
	}
	maxWait, err := ParseDurationOrDefault("scheduler.max_wait", s.MaxWait, 5*time.Second)
	if err != nil {
		return jobs.Config{}, err
	}
	workers := s.Workers
	if workers == 0 {
		workers = 2
	}
	return jobs.Config{
		Enabled:      s.IsEnabled(),
		Workers:      workers,
		PollInterval: poll,
		MaxWait:      maxWait,
	}, nil
}

func (s SchedulerConfig) IsolationMode() string {
	m := strings.ToLower(strings.TrimSpace(s.Isolation))
	if m == "" {
		return IsolationProcess
	}
	return m
}

func (s SchedulerConfig) Grace() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.outcome_grace", s.OutcomeGrace, DefaultOutcomeGrace)
}

// Resolve layers the configured fields over jobs.DefaultPolicy.
func (p PolicyConfig) Resolve() (jobs.RetryPolicy, error) {
	out := jobs.DefaultPolicy()
	var err error

	if out.Timeout, err = ParseDurationOrDefault("default_policy.timeout", p.Timeout, out.Timeout); err != nil {
		return jobs.RetryPolicy{}, err
	}
	if p.MaxAttempts != 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if out.BackoffInitial, err = ParseDurationKeepZero("default_policy.backoff_initial", p.BackoffInitial, out.BackoffInitial); err != nil {
		return jobs.RetryPolicy{}, err
	}
	if p.BackoffMultiplier != 0 {
		out.BackoffMultiplier = p.BackoffMultiplier
	}
	if out.BackoffMax, err = ParseDurationField("default_policy.backoff_max", p.BackoffMax); err != nil {
		return jobs.RetryPolicy{}, err
	}
	if out.Jitter, err = ParseDurationField("default_policy.jitter", p.Jitter); err != nil {
		return jobs.RetryPolicy{}, err
	}
	if err := out.Validate(); err != nil {
		return jobs.RetryPolicy{}, fmt.Errorf("default_policy: %w", err)
	}
	return out, nil
}

func (s *StorageConfig) DriverName() string {
	if s == nil {
		return DriverNone
	}
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	if d == "" {
		return DriverNone
	}
	return d
}

func (h HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

// Logx maps the logging section onto the logger service config.
func (l LoggingConfig) Logx() logx.Config {
	out := logx.Config{Level: l.Level, Console: l.Console}
	out.File.Enabled = l.File.Enabled
	out.File.Path = l.File.Path
	return out
}

// TriggerDefs converts the trigger section into scheduler definitions.
func (c *Config) TriggerDefs() []trigger.Def {
	if c == nil || len(c.Triggers) == 0 {
		return nil
	}
	out := make([]trigger.Def, 0, len(c.Triggers))
	for _, t := range c.Triggers {
		out = append(out, trigger.Def{
			Name:         strings.TrimSpace(t.Name),
			Schedule:     strings.TrimSpace(t.Schedule),
			Task:         strings.TrimSpace(t.Task),
			Params:       t.Params,
			Policy:       t.Policy,
			SkipIfActive: t.SkipsIfActive(),
		})
	}
	return out
}
