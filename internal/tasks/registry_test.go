package tasks

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestRegistryRegisterLookup(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	fn := func(context.Context, map[string]any) (any, error) { return "ok", nil }

	if err := r.Register("  work ", fn); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if !r.Has("work") {
		t.Fatal("expected trimmed name to be registered")
	}
	if err := r.Register("work", fn); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate Register err = %v, want %v", err, ErrDuplicateName)
	}
	if err := r.Register("", fn); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("empty Register err = %v, want %v", err, ErrEmptyName)
	}
	if err := r.Register("nil", nil); !errors.Is(err, ErrNilFunc) {
		t.Fatalf("nil Register err = %v, want %v", err, ErrNilFunc)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) = ok, want not found")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	RegisterBuiltins(r)
	want := []string{"echo", "fail", "flaky", "hang", "panic", "sleep"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
}

func TestFlakySucceedsOnConfiguredAttempt(t *testing.T) {
	t.Parallel()
	params := map[string]any{"succeed_on": float64(3)}
	tests := []struct {
		attempt int
		wantErr bool
	}{
		{attempt: 1, wantErr: true},
		{attempt: 2, wantErr: true},
		{attempt: 3, wantErr: false},
		{attempt: 4, wantErr: false},
	}
	for _, tt := range tests {
		ctx := WithAttempt(context.Background(), "job-1", tt.attempt)
		_, err := flaky(ctx, params)
		if (err != nil) != tt.wantErr {
			t.Fatalf("flaky attempt %d err = %v, wantErr %v", tt.attempt, err, tt.wantErr)
		}
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sleep(ctx, map[string]any{"seconds": 10}); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleep err = %v, want %v", err, context.Canceled)
	}
}

func TestParamHelpers(t *testing.T) {
	t.Parallel()
	params := map[string]any{"f": 1.5, "i": 7, "s": "2.25", "name": "x", "n": 3.0}
	if got := FloatParam(params, "f", 0); got != 1.5 {
		t.Fatalf("FloatParam(f) = %v, want 1.5", got)
	}
	if got := FloatParam(params, "i", 0); got != 7 {
		t.Fatalf("FloatParam(i) = %v, want 7", got)
	}
	if got := FloatParam(params, "s", 0); got != 2.25 {
		t.Fatalf("FloatParam(s) = %v, want 2.25", got)
	}
	if got := FloatParam(map[string]any{"bad": "abc"}, "bad", 4); got != 4 {
		t.Fatalf("FloatParam(bad) = %v, want 4", got)
	}
	if got := IntParam(map[string]any{"i": int64(5)}, "i", 0); got != 5 {
		t.Fatalf("IntParam(int64) = %v, want 5", got)
	}
	if got := FloatParam(params, "missing", 9); got != 9 {
		t.Fatalf("FloatParam(missing) = %v, want 9", got)
	}
	if got := StringParam(params, "n", ""); got != "3" {
		t.Fatalf("StringParam(n) = %q, want %q", got, "3")
	}
	if got := AttemptFromContext(context.Background()); got != 0 {
		t.Fatalf("AttemptFromContext(empty) = %d, want 0", got)
	}
}
