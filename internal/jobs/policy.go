package jobs

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is attached to a job at submit time and never changes after.
type RetryPolicy struct {
	// Timeout is the hard budget of a single attempt.
	Timeout time.Duration
	// MaxAttempts counts the first try.
	MaxAttempts int

	BackoffInitial    time.Duration
	BackoffMultiplier float64
	// BackoffMax caps the exponential part. 0 means uncapped.
	BackoffMax time.Duration
	// Jitter adds a uniform random delay in [0, Jitter].
	Jitter time.Duration
}

func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:           30 * time.Second,
		MaxAttempts:       3,
		BackoffInitial:    time.Second,
		BackoffMultiplier: 2,
	}
}

func (p RetryPolicy) Validate() error {
	switch {
	case p.Timeout <= 0:
		return invalidPolicy("timeout must be > 0")
	case p.MaxAttempts < 1:
		return invalidPolicy("max_attempts must be >= 1")
	case p.BackoffInitial < 0:
		return invalidPolicy("backoff_initial must be >= 0")
	case p.BackoffMultiplier <= 0 || math.IsNaN(p.BackoffMultiplier) || math.IsInf(p.BackoffMultiplier, 0):
		return invalidPolicy("backoff_multiplier must be a finite number > 0")
	case p.BackoffMax < 0:
		return invalidPolicy("backoff_max must be >= 0")
	case p.Jitter < 0:
		return invalidPolicy("jitter must be >= 0")
	}
	return nil
}

// NextDelay returns the wait before the attempt following attempt n (1-based):
// initial * multiplier^(n-1), capped at BackoffMax when set, plus jitter.
func (p RetryPolicy) NextDelay(n int) time.Duration {
	return p.nextDelay(n, rand.Float64)
}

func (p RetryPolicy) nextDelay(n int, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BackoffInitial) * math.Pow(p.BackoffMultiplier, float64(n-1))
	if p.BackoffMax > 0 && d > float64(p.BackoffMax) {
		d = float64(p.BackoffMax)
	}
	if p.Jitter > 0 && rnd != nil {
		d += rnd() * float64(p.Jitter)
	}
	if math.IsNaN(d) || d < 0 {
		return 0
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// PolicyOverrides is the wire form of a partial policy. Durations are seconds.
type PolicyOverrides struct {
	TimeoutSeconds        *float64 `json:"timeout_seconds,omitempty"`
	MaxAttempts           *int     `json:"max_attempts,omitempty"`
	BackoffInitialSeconds *float64 `json:"backoff_initial_seconds,omitempty"`
	BackoffMultiplier     *float64 `json:"backoff_multiplier,omitempty"`
	BackoffMaxSeconds     *float64 `json:"backoff_max_seconds,omitempty"`
	JitterSeconds         *float64 `json:"jitter_seconds,omitempty"`
}

func (o *PolicyOverrides) IsZero() bool {
	return o == nil || *o == PolicyOverrides{}
}

// Apply returns base with the set fields replaced, validated.
func (o *PolicyOverrides) Apply(base RetryPolicy) (RetryPolicy, error) {
	p := base
	if o != nil {
		if o.TimeoutSeconds != nil {
			p.Timeout = seconds(*o.TimeoutSeconds)
		}
		if o.MaxAttempts != nil {
			p.MaxAttempts = *o.MaxAttempts
		}
		if o.BackoffInitialSeconds != nil {
			p.BackoffInitial = seconds(*o.BackoffInitialSeconds)
		}
		if o.BackoffMultiplier != nil {
			p.BackoffMultiplier = *o.BackoffMultiplier
		}
		if o.BackoffMaxSeconds != nil {
			p.BackoffMax = seconds(*o.BackoffMaxSeconds)
		}
		if o.JitterSeconds != nil {
			p.Jitter = seconds(*o.JitterSeconds)
		}
	}
	if err := p.Validate(); err != nil {
		return RetryPolicy{}, err
	}
	return p, nil
}

// seconds converts float seconds; NaN and negatives map to -1ns so Validate
// rejects them.
func seconds(s float64) time.Duration {
	if math.IsNaN(s) || s < 0 {
		return -1
	}
	if s*float64(time.Second) >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}
