package jobs

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts the lowercase status names. Empty input yields "".
func ParseStatus(raw string) (Status, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", nil
	}
	for _, s := range allStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// AttemptRecord describes one attempt. The store fills the outcome fields
// exactly once, when the attempt completes.
type AttemptRecord struct {
	Attempt   int
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	TimedOut  bool
	Success   bool
	Error     string
	Traceback string
}

func (r AttemptRecord) Finished() bool { return !r.EndTime.IsZero() }

// Job is a snapshot of a unit of work. Values handed out by the store are
// copies; mutating them has no effect on the scheduler.
type Job struct {
	ID       string
	TaskName string
	Params   map[string]any
	Policy   RetryPolicy

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time

	// NextRunAt is meaningful only while Status == StatusQueued.
	NextRunAt time.Time
	// Attempt counts attempts started; it always equals len(History).
	Attempt int

	Result          any
	Error           string
	History         []AttemptRecord
	CancelRequested bool

	// entrySeq is the sequence number of the job's live queue entry.
	entrySeq uint64
}

func (j *Job) clone() Job {
	cp := *j
	cp.Params = copyMap(j.Params)
	cp.Result = copyValue(j.Result)
	cp.History = append([]AttemptRecord(nil), j.History...)
	return cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}
