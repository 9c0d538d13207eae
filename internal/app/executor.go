package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"jobqueue/internal/config"
	"jobqueue/internal/isolate"
	"jobqueue/internal/tasks"
	logx "jobqueue/pkg/logx"
)

// executorSwitch lets hot reload change the isolation mode. Attempts already
// running keep the executor they started with.
type executorSwitch struct {
	cur  atomic.Pointer[isolate.Executor]
	mode atomic.Value // string
}

func (s *executorSwitch) Execute(ctx context.Context, req isolate.Request) isolate.Outcome {
	return (*s.cur.Load()).Execute(ctx, req)
}

func (s *executorSwitch) set(mode string, e isolate.Executor) {
	s.cur.Store(&e)
	s.mode.Store(mode)
}

func (s *executorSwitch) Mode() string {
	m, _ := s.mode.Load().(string)
	return m
}

func buildExecutor(sc config.SchedulerConfig, reg *tasks.Registry, log logx.Logger) (isolate.Executor, error) {
	switch mode := sc.IsolationMode(); mode {
	case config.IsolationInline:
		log.Warn("inline isolation: timeouts are cooperative; tasks that ignore cancellation keep running")
		return isolate.InlineExecutor{Registry: reg}, nil
	case config.IsolationProcess:
		grace, err := sc.Grace()
		if err != nil {
			return nil, err
		}
		return &isolate.ProcessExecutor{Grace: grace, Log: log.With(logx.String("comp", "isolate"))}, nil
	default:
		return nil, fmt.Errorf("scheduler.isolation: unknown mode %q", mode)
	}
}
