package config

import (
	"fmt"
	"strings"
	"time"
)

// durationRule selects what an empty or zero value resolves to.
type durationRule int

const (
	emptyIsZero      durationRule = iota // "" -> 0
	emptyOrZeroIsDef                     // "" or "0s" -> def
	emptyIsDef                           // "" -> def, "0s" -> 0
)

func parseDuration(path, raw string, def time.Duration, rule durationRule) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		if rule == emptyIsZero {
			return 0, nil
		}
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %q", path, raw)
	}
	if d == 0 && rule == emptyOrZeroIsDef {
		return def, nil
	}
	return d, nil
}

// ParseDurationField parses a non-negative duration; empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0, emptyIsZero)
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def, emptyOrZeroIsDef)
}

// ParseDurationKeepZero returns def only when raw is empty; an explicit "0s"
// stays zero.
func ParseDurationKeepZero(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def, emptyIsDef)
}
