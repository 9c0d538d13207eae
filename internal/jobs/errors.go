package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrInvalidPolicy = errors.New("invalid retry policy")
	ErrStopped       = errors.New("scheduler stopped")
	ErrDisabled      = errors.New("scheduler disabled")
	ErrInvalidStatus = errors.New("invalid job status")

	// errStopping is the cause attached to attempts aborted by Stop.
	errStopping = errors.New("scheduler stopping")
)

// UnknownTaskError is returned by Submit for names missing from the registry.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string { return fmt.Sprintf("unknown task %q", e.Name) }
func (e *UnknownTaskError) Is(target error) bool { return target == ErrUnknownTask }

func invalidPolicy(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}
