package jobs

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Catalog reports whether a task name can be executed.
// *tasks.Registry satisfies it.
type Catalog interface {
	Has(name string) bool
}

// Store owns every job and the due-time queue. All state transitions happen
// under mu; task execution never does.
//
// Waiters park on the wake channel, which is closed and replaced whenever the
// queue changes in a way that could make work available sooner.
type Store struct {
	mu   sync.Mutex
	wake chan struct{}

	jobs  map[string]*Job
	order []string
	queue dueQueue
	seq   uint64

	catalog Catalog
	clock   Clock
	policy  RetryPolicy
	newID   func() string
	rnd     func() float64
	closed  bool

	submitted        uint64
	staleDiscarded   uint64
	retriesScheduled uint64
	attemptsTimedOut uint64
}

type StoreOption func(*Store)

func WithClock(c Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDefaultPolicy sets the policy used when a submit carries no overrides.
// Invalid policies are ignored.
func WithDefaultPolicy(p RetryPolicy) StoreOption {
	return func(s *Store) {
		if p.Validate() == nil {
			s.policy = p
		}
	}
}

func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func withRand(fn func() float64) StoreOption {
	return func(s *Store) { s.rnd = fn }
}

func NewStore(catalog Catalog, opts ...StoreOption) *Store {
	s := &Store{
		wake:    make(chan struct{}),
		jobs:    make(map[string]*Job),
		catalog: catalog,
		clock:   realClock{},
		policy:  DefaultPolicy(),
		newID:   uuid.NewString,
		rnd:     rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit validates and enqueues a job due immediately.
func (s *Store) Submit(taskName string, params map[string]any, overrides *PolicyOverrides) (Job, error) {
	taskName = strings.TrimSpace(taskName)
	if s.catalog == nil || !s.catalog.Has(taskName) {
		return Job{}, &UnknownTaskError{Name: taskName}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Job{}, ErrStopped
	}
	policy, err := overrides.Apply(s.policy)
	if err != nil {
		return Job{}, err
	}

	now := s.clock.Now()
	if params == nil {
		params = map[string]any{}
	}
	j := &Job{
		ID:        s.newID(),
		TaskName:  taskName,
		Params:    copyMap(params),
		Policy:    policy,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		NextRunAt: now,
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	s.enqueueLocked(j, now)
	s.submitted++
	return j.clone(), nil
}

// Cancel reports false for unknown ids. Queued jobs become cancelled at once;
// running jobs are flagged and resolved when their attempt completes.
func (s *Store) Cancel(id string) bool {
	found, _ := s.cancel(id)
	return found
}

// cancel also returns a snapshot when the call moved the job to cancelled.
func (s *Store) cancel(id string) (bool, *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	switch j.Status {
	case StatusQueued:
		j.CancelRequested = true
		j.Status = StatusCancelled
		j.UpdatedAt = s.clock.Now()
		// The queue entry stays behind and is discarded when it surfaces.
		s.notifyLocked()
		cp := j.clone()
		return true, &cp
	case StatusRunning:
		if !j.CancelRequested {
			j.CancelRequested = true
			j.UpdatedAt = s.clock.Now()
		}
	}
	return true, nil
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// List returns jobs in submission order, optionally filtered by status.
func (s *Store) List(status Status) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.clone())
	}
	return out
}

// HasActive reports whether any of ids is queued or running.
func (s *Store) HasActive(ids ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok && !j.Status.Terminal() {
			return true
		}
	}
	return false
}

func (s *Store) DefaultPolicy() RetryPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetDefaultPolicy affects future submits only.
func (s *Store) SetDefaultPolicy(p RetryPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// Close makes Submit fail with ErrStopped and wakes all waiters.
// Jobs stay readable.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.notifyLocked()
	s.mu.Unlock()
}

type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// QueueLen includes stale entries not yet discarded.
	QueueLen         int    `json:"queue_len"`
	Submitted        uint64 `json:"submitted"`
	StaleDiscarded   uint64 `json:"stale_discarded"`
	RetriesScheduled uint64 `json:"retries_scheduled"`
	AttemptsTimedOut uint64 `json:"attempts_timed_out"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		QueueLen:         s.queue.Len(),
		Submitted:        s.submitted,
		StaleDiscarded:   s.staleDiscarded,
		RetriesScheduled: s.retriesScheduled,
		AttemptsTimedOut: s.attemptsTimedOut,
	}
	for _, j := range s.jobs {
		switch j.Status {
		case StatusQueued:
			st.Queued++
		case StatusRunning:
			st.Running++
		case StatusSucceeded:
			st.Succeeded++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// ---- worker primitives ----

// ticket is what a worker needs to run one attempt.
type ticket struct {
	JobID    string
	TaskName string
	Params   map[string]any
	Policy   RetryPolicy
	Attempt  int
}

// claimResult is either a ticket, or how long to wait and what to wait on.
type claimResult struct {
	ticket  *ticket
	wait    time.Duration
	pending bool
	wake    <-chan struct{}
}

// claim pops the earliest due job, flips it to running and records the start
// of a new attempt, all under one lock hold.
func (s *Store) claim() claimResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	j, wait, pending := s.popReadyLocked(now)
	if j == nil {
		return claimResult{wait: wait, pending: pending, wake: s.wake}
	}

	j.Status = StatusRunning
	j.Attempt++
	j.UpdatedAt = now
	j.History = append(j.History, AttemptRecord{Attempt: j.Attempt, StartTime: now})

	return claimResult{ticket: &ticket{
		JobID:    j.ID,
		TaskName: j.TaskName,
		Params:   copyMap(j.Params),
		Policy:   j.Policy,
		Attempt:  j.Attempt,
	}}
}

// popReadyLocked returns the next due queued job. When none is due it reports
// the time until the earliest entry; pending is false when the queue is empty.
// Peeking never mutates the queue.
func (s *Store) popReadyLocked(now time.Time) (j *Job, wait time.Duration, pending bool) {
	for s.queue.Len() > 0 {
		top := s.queue.peek()
		if top.due.After(now) {
			return nil, top.due.Sub(now), true
		}
		s.queue.pop()
		j, ok := s.jobs[top.id]
		if !ok || j.Status != StatusQueued || j.entrySeq != top.seq {
			s.staleDiscarded++
			continue
		}
		return j, 0, true
	}
	return nil, 0, false
}

// attemptResult is the outcome of one attempt as the store records it.
type attemptResult struct {
	Success   bool
	Result    any
	Error     string
	Traceback string
	TimedOut  bool
}

// decision reports what complete did with the job.
type decision struct {
	Job   Job
	Delay time.Duration
}

// complete finalizes the live attempt record and decides the job's fate:
// success wins, then a pending cancel, then an exhausted budget; otherwise the
// job is requeued after the policy's backoff.
func (s *Store) complete(t ticket, res attemptResult) (decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[t.JobID]
	if !ok || j.Status != StatusRunning || len(j.History) == 0 {
		return decision{}, false
	}
	rec := &j.History[len(j.History)-1]
	if rec.Attempt != t.Attempt || rec.Finished() {
		return decision{}, false
	}

	now := s.clock.Now()
	rec.EndTime = now
	rec.Duration = now.Sub(rec.StartTime)
	if rec.Duration < 0 {
		rec.Duration = 0
	}
	rec.Success = res.Success
	rec.TimedOut = res.TimedOut
	rec.Error = res.Error
	rec.Traceback = res.Traceback
	if res.TimedOut {
		s.attemptsTimedOut++
	}

	j.UpdatedAt = now
	var delay time.Duration
	switch {
	case res.Success:
		j.Status = StatusSucceeded
		j.Result = copyValue(res.Result)
		j.Error = ""
	case j.CancelRequested:
		j.Error = res.Error
		j.Status = StatusCancelled
	case j.Attempt >= j.Policy.MaxAttempts:
		j.Error = res.Error
		j.Status = StatusFailed
	default:
		j.Error = res.Error
		delay = j.Policy.nextDelay(j.Attempt, s.rnd)
		j.Status = StatusQueued
		s.enqueueLocked(j, now.Add(delay))
		s.retriesScheduled++
	}
	return decision{Job: j.clone(), Delay: delay}, true
}

func (s *Store) enqueueLocked(j *Job, due time.Time) {
	s.seq++
	j.NextRunAt = due
	j.entrySeq = s.seq
	s.queue.push(entry{due: due, seq: s.seq, id: j.ID})
	s.notifyLocked()
}

func (s *Store) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}
