package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Func is the executable behavior behind a task name.
//
// params is the job's parameter map (decoded from JSON when the task runs in a
// child process, so numbers arrive as float64). The returned value must be
// JSON-serializable.
type Func func(ctx context.Context, params map[string]any) (any, error)

var (
	ErrEmptyName     = errors.New("task name is required")
	ErrNilFunc       = errors.New("task func is nil")
	ErrDuplicateName = errors.New("task already registered")
)

// Registry maps task names to implementations.
//
// The same registry must be populated in the parent and in the isolated child
// process (both run the same binary), so registration normally happens in one
// place before anything else runs.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilFunc, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.m[name] = fn
	return nil
}

// MustRegister panics on registration errors. Use it for static wiring.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Func, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	fn, ok := r.m[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns registered names sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ---- attempt metadata ----

type ctxKey int

const (
	keyJobID ctxKey = iota
	keyAttempt
)

// WithAttempt annotates ctx with the job id and 1-based attempt number of the
// running attempt.
func WithAttempt(ctx context.Context, jobID string, attempt int) context.Context {
	ctx = context.WithValue(ctx, keyJobID, jobID)
	return context.WithValue(ctx, keyAttempt, attempt)
}

func JobIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyJobID).(string)
	return v
}

// AttemptFromContext returns 0 when the context carries no attempt.
func AttemptFromContext(ctx context.Context) int {
	v, _ := ctx.Value(keyAttempt).(int)
	return v
}
