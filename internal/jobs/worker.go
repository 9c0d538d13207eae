package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"jobqueue/internal/isolate"
	logx "jobqueue/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh, quit <-chan struct{}, execCtx context.Context, idx int) {
	log := s.log.With(logx.String("comp", "worker"), logx.Int("worker", idx))
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		// A closed stop channel wins over ready work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-quit:
			return
		default:
		}

		c := s.store.claim()
		if c.ticket != nil {
			s.runAttempt(execCtx, log, *c.ticket)
			continue
		}

		cfg := s.config()
		wait := cfg.PollInterval
		if c.pending {
			wait = min(c.wait, cfg.MaxWait)
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-stopCh:
		case <-quit:
		case <-c.wake:
		case <-tmr.C:
		}
		tmr.Stop()
	}
}

// execute runs the attempt through the executor. A panic in the executor
// becomes a failure outcome so the claimed job still reaches a decision.
func (s *Service) execute(ctx context.Context, log logx.Logger, req isolate.Request) (o isolate.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			log.Error("executor panic", logx.Any("panic", r), logx.Stack(stack))
			o = isolate.Outcome{Kind: isolate.KindFailure, Error: fmt.Sprintf("panic: %v", r), Stack: stack}
		}
	}()
	return s.exec.Execute(ctx, req)
}

func (s *Service) runAttempt(execCtx context.Context, log logx.Logger, t ticket) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := time.Now()
	log = log.With(logx.String("job_id", t.JobID), logx.String("task", t.TaskName), logx.Int("attempt", t.Attempt))
	log.Debug("attempt started", logx.Duration("timeout", t.Policy.Timeout))
	s.publish(EventStarted, Job{ID: t.JobID, TaskName: t.TaskName, Status: StatusRunning, Attempt: t.Attempt}, "", 0, false)

	o := s.execute(execCtx, log, isolate.Request{
		JobID:    t.JobID,
		TaskName: t.TaskName,
		Params:   t.Params,
		Attempt:  t.Attempt,
		Timeout:  t.Policy.Timeout,
	})
	dur := time.Since(start)

	d, ok := s.store.complete(t, attemptResult{
		Success:   o.OK(),
		Result:    o.Result,
		Error:     o.Error,
		Traceback: o.Stack,
		TimedOut:  o.TimedOut(),
	})
	if !ok {
		log.Error("attempt outcome dropped: job is no longer running this attempt")
		return
	}

	s.record(HistoryItem{
		JobID:    t.JobID,
		TaskName: t.TaskName,
		Attempt:  t.Attempt,
		Started:  start,
		Duration: dur,
		Status:   d.Job.Status,
		Error:    o.Error,
	})

	if o.OK() {
		log.Debug("attempt succeeded", logx.Duration("dur", dur))
	} else {
		log.Warn("attempt failed", logx.Duration("dur", dur), logx.Bool("timed_out", o.TimedOut()), logx.String("kind", string(o.Kind)), logx.String("err", o.Error))
	}

	if d.Job.Status == StatusQueued {
		log.Debug("retry scheduled", logx.Duration("delay", d.Delay), logx.Int("max_attempts", t.Policy.MaxAttempts))
		s.publish(EventRetry, d.Job, o.Error, d.Delay, o.TimedOut())
		return
	}
	s.onTerminal(d.Job)
}
