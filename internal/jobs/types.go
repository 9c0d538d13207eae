package jobs

import (
	"context"
	"time"

	rtsup "jobqueue/internal/runtime/supervisor"
)

// Config controls the worker pool.
type Config struct {
	Enabled bool
	Workers int

	// PollInterval is the idle wait when the queue is empty.
	PollInterval time.Duration
	// MaxWait caps any single wait so workers notice stop signals and
	// clock changes.
	MaxWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Second
	}
	return c
}

// Archiver receives terminal job snapshots.
type Archiver interface {
	Archive(ctx context.Context, j Job) error
}

// Event types published on the bus.
const (
	EventSubmitted = "job.submitted"
	EventStarted   = "job.started"
	EventRetry     = "job.retry"
	EventSucceeded = "job.succeeded"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	ID       string        `json:"id"`
	TaskName string        `json:"task_name"`
	Status   Status        `json:"status"`
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
}

// Snapshot is a diagnostics view of the service.
type Snapshot struct {
	Enabled       bool          `json:"enabled"`
	Running       bool          `json:"running"`
	Workers       int           `json:"workers"`
	InFlight      int           `json:"in_flight"`
	DefaultPolicy PolicyView    `json:"default_policy"`
	Stats         Stats         `json:"stats"`
	History       []HistoryItem `json:"history"`

	// Supervisor reports worker goroutine starts, restarts and panics.
	// Zero while the pool is stopped.
	Supervisor rtsup.Snapshot `json:"supervisor"`
}

// HistoryItem is a recent attempt, newest last.
type HistoryItem struct {
	JobID    string        `json:"job_id"`
	TaskName string        `json:"task_name"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
}
