package jobs

import "time"

// Clock supplies the current time. Due times and attempt durations are
// computed from its readings, so the real clock's monotonic component is what
// orders the queue.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
