package jobs

import (
	"errors"
	"testing"
	"time"
)

func TestNextDelayMonotonicUntilCap(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{
		Timeout:           time.Second,
		MaxAttempts:       10,
		BackoffInitial:    time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        10 * time.Second,
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	prev := time.Duration(0)
	for i, w := range want {
		got := p.NextDelay(i + 1)
		if got != w {
			t.Fatalf("NextDelay(%d) = %v, want %v", i+1, got, w)
		}
		if got < prev {
			t.Fatalf("NextDelay(%d) = %v decreased from %v", i+1, got, prev)
		}
		prev = got
	}
}

func TestNextDelayUncappedAndClamped(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	if got := p.NextDelay(5); got != 16*time.Second {
		t.Fatalf("NextDelay(5) = %v, want 16s", got)
	}
	if got := p.NextDelay(0); got != time.Second {
		t.Fatalf("NextDelay(0) = %v, want 1s", got)
	}
	huge := p.NextDelay(500)
	if huge <= 0 {
		t.Fatalf("NextDelay(500) = %v, want positive clamp", huge)
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{BackoffInitial: time.Second, BackoffMultiplier: 1, Jitter: 500 * time.Millisecond}
	if got := p.nextDelay(1, func() float64 { return 0 }); got != time.Second {
		t.Fatalf("nextDelay(rnd=0) = %v, want 1s", got)
	}
	if got := p.nextDelay(1, func() float64 { return 1 }); got != 1500*time.Millisecond {
		t.Fatalf("nextDelay(rnd=1) = %v, want 1.5s", got)
	}
	for i := 0; i < 100; i++ {
		got := p.NextDelay(1)
		if got < time.Second || got > 1500*time.Millisecond {
			t.Fatalf("NextDelay = %v, want within [1s, 1.5s]", got)
		}
	}
}

func ptr[T any](v T) *T { return &v }

func TestPolicyOverridesApply(t *testing.T) {
	t.Parallel()
	base := DefaultPolicy()

	got, err := (&PolicyOverrides{
		TimeoutSeconds:    ptr(0.5),
		MaxAttempts:       ptr(5),
		BackoffMaxSeconds: ptr(4.0),
		JitterSeconds:     ptr(0.25),
	}).Apply(base)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	want := RetryPolicy{
		Timeout:           500 * time.Millisecond,
		MaxAttempts:       5,
		BackoffInitial:    time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        4 * time.Second,
		Jitter:            250 * time.Millisecond,
	}
	if got != want {
		t.Fatalf("Apply = %+v, want %+v", got, want)
	}

	var nilOverrides *PolicyOverrides
	if got, err := nilOverrides.Apply(base); err != nil || got != base {
		t.Fatalf("nil Apply = %+v, %v; want base", got, err)
	}
}

func TestPolicyOverridesInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		o    PolicyOverrides
	}{
		{name: "zero timeout", o: PolicyOverrides{TimeoutSeconds: ptr(0.0)}},
		{name: "negative timeout", o: PolicyOverrides{TimeoutSeconds: ptr(-1.0)}},
		{name: "zero attempts", o: PolicyOverrides{MaxAttempts: ptr(0)}},
		{name: "negative initial", o: PolicyOverrides{BackoffInitialSeconds: ptr(-0.1)}},
		{name: "zero multiplier", o: PolicyOverrides{BackoffMultiplier: ptr(0.0)}},
		{name: "negative max", o: PolicyOverrides{BackoffMaxSeconds: ptr(-2.0)}},
		{name: "negative jitter", o: PolicyOverrides{JitterSeconds: ptr(-1.0)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.o.Apply(DefaultPolicy()); !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("Apply err = %v, want %v", err, ErrInvalidPolicy)
			}
		})
	}
}

func TestPolicyView(t *testing.T) {
	t.Parallel()
	v := DefaultPolicy().View()
	if v.TimeoutSeconds != 30 || v.MaxAttempts != 3 || v.BackoffInitialSeconds != 1 || v.BackoffMultiplier != 2 {
		t.Fatalf("View = %+v, want defaults", v)
	}
	if v.BackoffMaxSeconds != nil {
		t.Fatalf("BackoffMaxSeconds = %v, want nil", *v.BackoffMaxSeconds)
	}
}
