package isolate

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"jobqueue/internal/tasks"
)

// stackTracer is implemented by errors that carry their own trace.
type stackTracer interface {
	StackTrace() string
}

// run invokes the task function and converts every way it can end into an
// Outcome. Shared by the child process and the inline executor.
func run(ctx context.Context, reg *tasks.Registry, req Request) (out Outcome) {
	fn, ok := reg.Lookup(req.TaskName)
	if !ok {
		return Outcome{Kind: KindFailure, Error: fmt.Sprintf("unknown task %q", req.TaskName)}
	}

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: KindFailure, Error: fmt.Sprintf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	res, err := fn(tasks.WithAttempt(ctx, req.JobID, req.Attempt), params)
	if err != nil {
		o := Outcome{Kind: KindFailure, Error: err.Error()}
		if st, ok := err.(stackTracer); ok {
			o.Stack = st.StackTrace()
		}
		return o
	}

	res, err = normalizeResult(res)
	if err != nil {
		return Outcome{Kind: KindFailure, Error: "result is not JSON-serializable: " + err.Error()}
	}
	return Outcome{Kind: KindSuccess, Result: res}
}

// normalizeResult round-trips v through JSON so inline and process execution
// hand back identical shapes.
func normalizeResult(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
