package trigger

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/jobs"
	logx "jobqueue/pkg/logx"
)

var ErrUnknownTrigger = errors.New("unknown trigger")

// Event types published on the bus.
const (
	EventFired   = "trigger.fired"
	EventSkipped = "trigger.skipped"
	EventFailed  = "trigger.failed"
)

// Def describes one recurring submission.
type Def struct {
	Name     string
	Schedule string
	Task     string
	Params   map[string]any
	Policy   *jobs.PolicyOverrides

	// SkipIfActive skips a firing while the previous job of this trigger is
	// still queued or running.
	SkipIfActive bool
}

// Submitter is the job entry point triggers feed. *jobs.Service satisfies it.
type Submitter interface {
	Submit(taskName string, params map[string]any, overrides *jobs.PolicyOverrides) (jobs.Job, error)
	HasActive(ids ...string) bool
}

// TriggerEvent is the payload of trigger.* events.
type TriggerEvent struct {
	Name  string `json:"name"`
	Task  string `json:"task"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Info describes a registered trigger.
type Info struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Kind      string    `json:"kind"`
	Task      string    `json:"task"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	LastJobID string    `json:"last_job_id,omitempty"`
	Fired     uint64    `json:"fired"`
	Skipped   uint64    `json:"skipped"`
	Failed    uint64    `json:"failed"`
}

type entry struct {
	def     Def
	spec    ParsedSpec
	entryID cron.EntryID
	spread  time.Duration

	lastMu  sync.Mutex
	lastJob string

	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func (e *entry) last() string {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return e.lastJob
}

func (e *entry) setLast(id string) {
	e.lastMu.Lock()
	e.lastJob = id
	e.lastMu.Unlock()
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	sub Submitter

	c       *cron.Cron
	stopped chan struct{} // closed by Stop
	entries map[string]*entry

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}
