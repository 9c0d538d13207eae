package isolate

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Kind classifies how an attempt ended.
type Kind string

const (
	KindSuccess   Kind = "success"
	KindFailure   Kind = "failure"
	KindTimedOut  Kind = "timed_out"
	KindNoOutcome Kind = "no_outcome"
)

const noOutcomeMessage = "Task finished but no result reported"

// Request describes one attempt.
type Request struct {
	JobID    string
	TaskName string
	Params   map[string]any
	Attempt  int
	Timeout  time.Duration
}

// Outcome is the result of one attempt. Task failures are never returned as Go
// errors; they are outcomes.
type Outcome struct {
	Kind   Kind   `json:"kind"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Stack  string `json:"stack,omitempty"`

	// PID of the isolated process, 0 for inline execution.
	PID int `json:"-"`
}

func (o Outcome) OK() bool       { return o.Kind == KindSuccess }
func (o Outcome) TimedOut() bool { return o.Kind == KindTimedOut }

// Executor runs a single attempt and always returns an outcome.
//
// Cancelling ctx aborts the attempt (the unit is torn down) and yields a
// Failure outcome whose message carries context.Cause(ctx).
type Executor interface {
	Execute(ctx context.Context, req Request) Outcome
}

func timedOut(timeout time.Duration) Outcome {
	return Outcome{Kind: KindTimedOut, Error: "Attempt timed out after " + formatSeconds(timeout) + " seconds"}
}

func noOutcome() Outcome {
	return Outcome{Kind: KindNoOutcome, Error: noOutcomeMessage}
}

func interrupted(ctx context.Context) Outcome {
	cause := context.Cause(ctx)
	msg := "attempt interrupted"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return Outcome{Kind: KindFailure, Error: msg}
}

// formatSeconds renders seconds as a float: 30s is "30.0", 500ms is "0.5".
func formatSeconds(d time.Duration) string {
	s := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
