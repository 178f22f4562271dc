package types

import (
	"errors"
	"fmt"
)

// Error kinds shared by every component
var (
	// ErrConfigurationMissing means a required collaborator is not wired
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrBackendUnavailable means a store or model could not be reached
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrInvalidInput means the request was rejected before any backend call
	ErrInvalidInput = errors.New("invalid input")
)

// PartialWriteError reports a batch write that only partly succeeded.
// Written records are kept; nothing is rolled back.
type PartialWriteError struct {
	Written int
	Failed  int
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %d written, %d failed: %v", e.Written, e.Failed, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// InvalidInputf formats an ErrInvalidInput with detail
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
