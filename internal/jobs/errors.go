package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnregisteredJobType is returned for a job type with no registration.
	ErrUnregisteredJobType = errors.New("unregistered job type")

	// ErrInvalidInput wraps a payload that does not match the registered input shape.
	ErrInvalidInput = errors.New("invalid input payload")

	// ErrInvalidOutput is returned when a handler result does not match the output shape.
	ErrInvalidOutput = errors.New("invalid output payload")
)

// HandlerError wraps any failure raised by a job handler.
type HandlerError struct {
	Type  JobType
	JobID string
	Err   error
}

func (e *HandlerError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("handler for %s failed: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("handler for %s failed (job %s): %v", e.Type, e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
