package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// RegisterBuiltins installs the demo tasks shipped with the binary.
//
//	echo   returns its params
//	sleep  waits params.seconds (honors cancellation)
//	fail   always fails with params.message
//	flaky  fails until attempt >= params.succeed_on (default 3)
//	hang   blocks params.seconds (default 1h) ignoring cancellation
//	panic  panics with params.message
func RegisterBuiltins(r *Registry) {
	r.MustRegister("echo", echo)
	r.MustRegister("sleep", sleep)
	r.MustRegister("fail", fail)
	r.MustRegister("flaky", flaky)
	r.MustRegister("hang", hang)
	r.MustRegister("panic", panicTask)
}

func echo(_ context.Context, params map[string]any) (any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}

func sleep(ctx context.Context, params map[string]any) (any, error) {
	d := SecondsParam(params, "seconds", 1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return map[string]any{"slept_seconds": d.Seconds()}, nil
	}
}

func fail(_ context.Context, params map[string]any) (any, error) {
	return nil, errors.New(StringParam(params, "message", "task failed"))
}

func flaky(ctx context.Context, params map[string]any) (any, error) {
	succeedOn := IntParam(params, "succeed_on", 3)
	attempt := AttemptFromContext(ctx)
	if attempt < succeedOn {
		return nil, fmt.Errorf("flaky failure on attempt %d (succeeds on %d)", attempt, succeedOn)
	}
	return map[string]any{"attempt": attempt}, nil
}

// hang deliberately ignores ctx; only a hard kill stops it.
func hang(_ context.Context, params map[string]any) (any, error) {
	time.Sleep(SecondsParam(params, "seconds", 3600))
	return map[string]any{"hung": true}, nil
}

func panicTask(_ context.Context, params map[string]any) (any, error) {
	panic(StringParam(params, "message", "task panicked"))
}

// ---- param helpers ----

func StringParam(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

// FloatParam accepts numbers of any width and numeric strings; anything else
// yields def.
func FloatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

func IntParam(params map[string]any, key string, def int) int {
	return int(FloatParam(params, key, float64(def)))
}

func SecondsParam(params map[string]any, key string, def float64) time.Duration {
	s := FloatParam(params, key, def)
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}
