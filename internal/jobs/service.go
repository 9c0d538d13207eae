package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/isolate"
	rtsup "jobqueue/internal/runtime/supervisor"
	logx "jobqueue/pkg/logx"
)

const (
	historySize = 200
	// abortWait bounds how long Stop waits for workers after it killed
	// in-flight attempts.
	abortWait      = 5 * time.Second
	archiveTimeout = 5 * time.Second
)

// Service runs the worker pool on top of a Store.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   *Store
	exec    isolate.Executor
	archive Archiver

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	execCtx  context.Context
	abort    context.CancelCauseFunc

	// quits holds one channel per live worker; closing it retires that
	// worker after its current attempt.
	quits     []chan struct{}
	workerSeq int

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, store *Store, exec isolate.Executor, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "jobs")),
		bus:   bus,
		store: store,
		exec:  exec,
	}
}

// SetArchiver installs the sink for terminal jobs. nil disables archiving.
func (s *Service) SetArchiver(a Archiver) {
	s.mu.Lock()
	s.archive = a
	s.mu.Unlock()
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) running() bool {
	return s.stopCh != nil && s.stopDone == nil
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent; a pending stop is waited out first.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.execCtx, s.abort = context.WithCancelCause(context.Background())
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A broken worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.quits = nil
	for i := 0; i < cfg.Workers; i++ {
		s.spawnWorkerLocked()
	}
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Int("workers", cfg.Workers), logx.Duration("poll_interval", cfg.PollInterval), logx.Duration("max_wait", cfg.MaxWait))
}

func (s *Service) spawnWorkerLocked() {
	quit := make(chan struct{})
	s.quits = append(s.quits, quit)
	idx := s.workerSeq
	s.workerSeq++
	stopCh := s.stopCh
	execCtx := s.execCtx

	s.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
		s.worker(c, stopCh, quit, execCtx, idx)
		select {
		case <-stopCh:
			return context.Canceled
		case <-quit:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("worker exited unexpectedly")
	})
}

// resizeLocked grows or shrinks the pool to n. Retired workers finish their
// current attempt first.
func (s *Service) resizeLocked(n int) {
	for len(s.quits) < n {
		s.spawnWorkerLocked()
	}
	for len(s.quits) > n {
		last := len(s.quits) - 1
		close(s.quits[last])
		s.quits = s.quits[:last]
	}
}

// Stop stops claiming new jobs and waits for in-flight attempts until ctx is
// done. At that point remaining attempts are killed and recorded as failures.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	abort := s.abort
	s.mu.Unlock()

	// Idle workers return at once; busy ones hold execCtx, not this one.
	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.quits = nil
		s.execCtx = nil
		s.abort = nil
		s.mu.Unlock()
		abort(nil)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return
	case <-ctx.Done():
	}

	n := s.inFlight.Load()
	s.log.Warn("scheduler stop deadline reached, aborting in-flight attempts", logx.Int("in_flight", int(n)))
	abort(errStopping)
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(abortWait):
		s.log.Error("scheduler workers did not exit after abort")
	}
}

// Apply updates the pool configuration. A running pool is resized in place.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running()
	if running && cfg.Enabled && prev.Workers != cfg.Workers {
		s.resizeLocked(cfg.Workers)
		s.log.Info("scheduler workers resized", logx.Int("from", prev.Workers), logx.Int("to", cfg.Workers))
	}
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	}
}

// Submit enqueues a job. overrides may be nil.
func (s *Service) Submit(taskName string, params map[string]any, overrides *PolicyOverrides) (Job, error) {
	if !s.Enabled() {
		return Job{}, ErrDisabled
	}
	j, err := s.store.Submit(taskName, params, overrides)
	if err != nil {
		return Job{}, err
	}
	s.log.Debug("job submitted", logx.String("job_id", j.ID), logx.String("task", j.TaskName), logx.Int("max_attempts", j.Policy.MaxAttempts), logx.Duration("timeout", j.Policy.Timeout))
	s.publish(EventSubmitted, j, "", 0, false)
	return j, nil
}

func (s *Service) Cancel(id string) bool {
	found, cancelled := s.store.cancel(id)
	if cancelled != nil {
		s.onTerminal(*cancelled)
	} else if found {
		s.log.Debug("job cancel requested", logx.String("job_id", id))
	}
	return found
}

func (s *Service) Get(id string) (Job, bool) { return s.store.Get(id) }

func (s *Service) List(status Status) []Job { return s.store.List(status) }

// HasActive reports whether any of ids is queued or running.
func (s *Service) HasActive(ids ...string) bool { return s.store.HasActive(ids...) }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.running()
	workers := len(s.quits)
	sup := s.sup
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:       cfg.Enabled,
		Running:       running,
		Workers:       workers,
		InFlight:      int(s.inFlight.Load()),
		DefaultPolicy: s.store.DefaultPolicy().View(),
		Stats:         s.store.Stats(),
		History:       h,
		Supervisor:    sup.Snapshot(),
	}
}

func (s *Service) onTerminal(j Job) {
	fields := []logx.Field{
		logx.String("job_id", j.ID),
		logx.String("task", j.TaskName),
		logx.String("status", string(j.Status)),
		logx.Int("attempts", j.Attempt),
	}
	if j.Error != "" {
		fields = append(fields, logx.String("err", j.Error))
	}
	s.log.Info("job finished", fields...)

	typ := EventFailed
	switch j.Status {
	case StatusSucceeded:
		typ = EventSucceeded
	case StatusCancelled:
		typ = EventCancelled
	}
	s.publish(typ, j, j.Error, 0, false)

	s.mu.Lock()
	a := s.archive
	s.mu.Unlock()
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := a.Archive(ctx, j); err != nil {
		s.log.Warn("job archive failed", logx.String("job_id", j.ID), logx.Err(err))
	}
}

func (s *Service) publish(typ string, j Job, errMsg string, delay time.Duration, timedOut bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: JobEvent{
		ID:       j.ID,
		TaskName: j.TaskName,
		Status:   j.Status,
		Attempt:  j.Attempt,
		Error:    errMsg,
		TimedOut: timedOut,
		Delay:    delay,
	}})
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}
