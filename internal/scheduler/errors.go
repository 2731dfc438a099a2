package scheduler

import "errors"

var (
	// ErrNotFound is returned when a job id is unknown to the queue.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when an operation would move a
	// job against the state machine, e.g. completing a job that was
	// never claimed or is already terminal.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrInvalidStatus is returned when a caller supplies a completion
	// status other than completed or failed.
	ErrInvalidStatus = errors.New("completion status must be completed or failed")
)
