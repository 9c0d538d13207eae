package isolate

import (
	"context"

	"jobqueue/internal/tasks"
)

// InlineExecutor runs attempts on a goroutine in the current process.
//
// Its timeout is cooperative only: the attempt is reported as timed out at the
// deadline, but a task that ignores ctx keeps running in the background. Use
// ProcessExecutor when tasks cannot be trusted to stop.
type InlineExecutor struct {
	Registry *tasks.Registry
}

func (e InlineExecutor) Execute(ctx context.Context, req Request) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() { done <- run(runCtx, e.Registry, req) }()

	var o Outcome
	select {
	case o = <-done:
		if o.OK() || runCtx.Err() == nil {
			return o
		}
	case <-runCtx.Done():
	}
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	return timedOut(req.Timeout)
}
