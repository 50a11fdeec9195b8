package jobs

import "errors"

var (
	// ErrAlreadyActive is returned when a document already has a job in
	// queued or processing state.
	ErrAlreadyActive = errors.New("document already has an active job")
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a transition targets a job that has
	// already reached completed or failed.
	ErrTerminal = errors.New("job already in terminal state")
)
