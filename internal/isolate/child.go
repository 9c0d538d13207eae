package isolate

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"jobqueue/internal/tasks"
)

// IsChild reports whether this process was started by ProcessExecutor.
// Binaries (and test mains) must check it before doing anything else:
//
//	if isolate.IsChild() {
//		os.Exit(isolate.Serve(reg))
//	}
func IsChild() bool { return os.Getenv(ChildEnv) == "1" }

// Serve is the child entry point. It reads one request from stdin, runs the
// task and writes the outcome to fd 3. The return value is the exit code.
func Serve(reg *tasks.Registry) int {
	out := os.NewFile(3, "outcome")
	if out == nil {
		return 2
	}
	defer out.Close()

	var req wireRequest
	if err := json.NewDecoder(io.LimitReader(os.Stdin, maxOutcomeBytes)).Decode(&req); err != nil {
		_ = writeOutcome(out, Outcome{Kind: KindFailure, Error: "decode request: " + err.Error()})
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// No deadline here: the parent owns the budget and kills the group.

	o := run(ctx, reg, Request{
		JobID:    req.JobID,
		TaskName: req.TaskName,
		Params:   req.Params,
		Attempt:  req.Attempt,
	})
	if err := writeOutcome(out, o); err != nil {
		return 1
	}
	return 0
}

func writeOutcome(w io.Writer, o Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		b, _ = json.Marshal(Outcome{Kind: KindFailure, Error: "encode outcome: " + err.Error()})
	}
	_, err = w.Write(b)
	return err
}
