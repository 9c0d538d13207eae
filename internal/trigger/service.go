package trigger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobqueue/internal/eventbus"
	logx "jobqueue/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func New(sub Submitter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log.With(logx.String("comp", "trigger")),
		bus:      bus,
		sub:      sub,
		entries:  map[string]*entry{},
		lastWarn: map[string]time.Time{},
	}
}

// Apply replaces the trigger set. Definitions identical to a registered one
// keep their schedule and last job. Invalid definitions are skipped and
// reported in the returned error.
func (s *Service) Apply(defs []Def) error {
	var errs []error
	next := make(map[string]*entry, len(defs))
	for _, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		switch {
		case d.Name == "":
			errs = append(errs, errors.New("trigger name required"))
			continue
		case strings.TrimSpace(d.Task) == "":
			errs = append(errs, fmt.Errorf("trigger %q: task required", d.Name))
			continue
		}
		if _, dup := next[d.Name]; dup {
			errs = append(errs, fmt.Errorf("trigger %q: duplicate name", d.Name))
			continue
		}
		ps, err := ParseSchedule(d.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", d.Name, err))
			continue
		}
		next[d.Name] = &entry{def: d, spec: ps}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added, kept := 0, 0
	for name, old := range s.entries {
		if e, ok := next[name]; ok && reflect.DeepEqual(old.def, e.def) {
			next[name] = old
			kept++
			continue
		}
		if s.c != nil && old.entryID != 0 {
			s.c.Remove(old.entryID)
		}
	}
	for _, e := range next {
		if e.entryID != 0 || s.c == nil {
			continue
		}
		s.registerLocked(e)
		added++
	}
	removed := len(s.entries) - kept
	s.entries = next

	s.log.Debug("triggers applied", logx.Int("total", len(next)), logx.Int("kept", kept), logx.Int("added", added), logx.Int("removed", removed))
	return errors.Join(errs...)
}

// Start begins firing registered triggers. Cancelling ctx stops them as
// Stop would.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.Local),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, e := range s.entries {
		s.registerLocked(e)
	}
	s.c.Start()
	stopped := make(chan struct{})
	s.stopped = stopped
	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-stopped:
		}
	}()
	s.log.Info("service started", logx.Int("triggers", len(s.entries)))
}

// Stop stops firing. Definitions stay registered for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.stopped != nil {
		close(s.stopped)
		s.stopped = nil
	}
	for _, e := range s.entries {
		e.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Fire runs the named trigger now and returns the submitted job id. An empty
// id with a nil error means the firing was skipped.
func (s *Service) Fire(name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrigger, name)
	}
	return s.fire(e)
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.entries))
	for _, name := range slices.Sorted(maps.Keys(s.entries)) {
		e := s.entries[name]
		it := Info{
			Name:      name,
			Schedule:  e.spec.Spec(),
			Kind:      e.spec.Kind.String(),
			Task:      e.def.Task,
			LastJobID: e.last(),
			Fired:     e.fired.Load(),
			Skipped:   e.skipped.Load(),
			Failed:    e.failed.Load(),
		}
		if s.c != nil && e.entryID != 0 {
			ce := s.c.Entry(e.entryID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	return out
}

func (s *Service) registerLocked(e *entry) {
	job := cron.FuncJob(func() { _, _ = s.fire(e) })

	var sched cron.Schedule
	if e.spec.Kind == SpecInterval {
		sched, e.spread = intervalSchedule(e.spec.Every, time.Now(), e.def.Name)
	} else {
		var err error
		if sched, err = cronParser.Parse(e.spec.Cron); err != nil {
			// ParseSchedule already validated the expression
			s.log.Error("trigger register failed", logx.String("trigger", e.def.Name), logx.Err(err))
			return
		}
	}
	e.entryID = s.c.Schedule(sched, job)

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("trigger registered",
			logx.String("trigger", e.def.Name),
			logx.String("spec", e.spec.Spec()),
			logx.String("task", e.def.Task),
			logx.Duration("spread", e.spread),
			logx.String("next", previewNext(sched, 3)),
		)
	}
}

func (s *Service) fire(e *entry) (string, error) {
	d := e.def
	if d.SkipIfActive {
		if last := e.last(); last != "" && s.sub.HasActive(last) {
			e.skipped.Add(1)
			s.log.Debug("trigger skipped; previous job still active", logx.String("trigger", d.Name), logx.String("job_id", last))
			s.publish(EventSkipped, TriggerEvent{Name: d.Name, Task: d.Task, JobID: last})
			return "", nil
		}
	}

	j, err := s.sub.Submit(d.Task, d.Params, d.Policy)
	if err != nil {
		e.failed.Add(1)
		s.reportSubmitError(d.Name, err)
		s.publish(EventFailed, TriggerEvent{Name: d.Name, Task: d.Task, Error: err.Error()})
		return "", err
	}
	e.setLast(j.ID)
	e.fired.Add(1)
	s.log.Debug("trigger fired", logx.String("trigger", d.Name), logx.String("job_id", j.ID))
	s.publish(EventFired, TriggerEvent{Name: d.Name, Task: d.Task, JobID: j.ID})
	return j.ID, nil
}

// reportSubmitError logs at most one warning per trigger per throttle window.
func (s *Service) reportSubmitError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("trigger failed to submit job", logx.String("trigger", name), logx.Err(err))
}

func (s *Service) publish(typ string, data TriggerEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func previewNext(sched cron.Schedule, n int) string {
	t := time.Now()
	parts := make([]string, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}

// cronLogger routes robfig/cron diagnostics (including recovered panics)
// through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
