package isolate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	logx "jobqueue/pkg/logx"
)

const (
	// ChildEnv marks a process started by ProcessExecutor.
	ChildEnv = "JOBQUEUE_ISOLATE_CHILD"

	defaultGrace    = time.Second
	maxOutcomeBytes = 8 << 20
)

// wireRequest is what the parent writes to the child's stdin.
type wireRequest struct {
	JobID    string         `json:"job_id"`
	TaskName string         `json:"task_name"`
	Params   map[string]any `json:"params"`
	Attempt  int            `json:"attempt"`
}

// ProcessExecutor runs each attempt in a fresh OS process: the current binary
// re-executed with ChildEnv set. The request is written to the child's stdin
// and the outcome is read back from fd 3.
//
// On timeout the child's whole process group is killed (SIGKILL on unix) and
// reaped before Execute returns, so a task that ignores cancellation cannot
// outlive its budget.
type ProcessExecutor struct {
	// Path of the binary to re-execute. Empty means os.Executable().
	Path string
	Args []string

	// Grace bounds the wait for the outcome after the child exited.
	Grace time.Duration

	// Output receives the child's stdout/stderr. Nil means os.Stderr.
	Output io.Writer

	Log logx.Logger
}

type readResult struct {
	data []byte
	err  error
}

func (e *ProcessExecutor) Execute(ctx context.Context, req Request) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return interrupted(ctx)
	}

	path := e.Path
	if path == "" {
		p, err := os.Executable()
		if err != nil {
			return startFailure(err)
		}
		path = p
	}
	grace := e.Grace
	if grace <= 0 {
		grace = defaultGrace
	}

	payload, err := json.Marshal(wireRequest{
		JobID:    req.JobID,
		TaskName: req.TaskName,
		Params:   req.Params,
		Attempt:  req.Attempt,
	})
	if err != nil {
		return Outcome{Kind: KindFailure, Error: "encode request: " + err.Error()}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return startFailure(err)
	}

	out := e.Output
	if out == nil {
		out = os.Stderr
	}
	cmd := exec.Command(path, e.Args...)
	cmd.Env = append(os.Environ(), ChildEnv+"=1")
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.ExtraFiles = []*os.File{pw}
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return startFailure(err)
	}
	// The child holds its own copy; ours must go so EOF can arrive.
	_ = pw.Close()
	defer pr.Close()

	pid := cmd.Process.Pid
	log := e.Log.With(logx.String("job_id", req.JobID), logx.Int("attempt", req.Attempt), logx.Int("pid", pid))
	log.Debug("isolated process started", logx.String("task", req.TaskName))

	readCh := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(pr, maxOutcomeBytes))
		readCh <- readResult{data: data, err: err}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case werr := <-waitCh:
		o := collect(readCh, grace)
		if o.Kind == KindNoOutcome && werr != nil {
			log.Warn("isolated process exited without outcome", logx.Err(werr))
		}
		o.PID = pid
		return o

	case <-timer.C:
		e.kill(cmd, log, "timeout")
		<-waitCh
		o := timedOut(req.Timeout)
		o.PID = pid
		return o

	case <-ctx.Done():
		e.kill(cmd, log, "interrupted")
		<-waitCh
		o := interrupted(ctx)
		o.PID = pid
		return o
	}
}

func (e *ProcessExecutor) kill(cmd *exec.Cmd, log logx.Logger, reason string) {
	if err := killProcessTree(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("isolated process kill failed", logx.String("reason", reason), logx.Err(err))
		return
	}
	log.Debug("isolated process killed", logx.String("reason", reason))
}

// collect waits up to grace for the outcome written by the child.
func collect(readCh <-chan readResult, grace time.Duration) Outcome {
	t := time.NewTimer(grace)
	defer t.Stop()

	var rr readResult
	select {
	case rr = <-readCh:
	case <-t.C:
		return noOutcome()
	}
	if len(bytes.TrimSpace(rr.data)) == 0 {
		return noOutcome()
	}
	var o Outcome
	if err := json.Unmarshal(rr.data, &o); err != nil {
		return noOutcome()
	}
	switch o.Kind {
	case KindSuccess, KindFailure:
		return o
	default:
		return noOutcome()
	}
}

func startFailure(err error) Outcome {
	return Outcome{Kind: KindFailure, Error: "failed to start isolated process: " + err.Error()}
}
