package store

import "errors"

var (
	// ErrNotFound is returned when a task id does not exist in the document.
	ErrNotFound = errors.New("task not found")
	// ErrStatusConflict is returned by compare-and-set updates when the task
	// is no longer in the expected status.
	ErrStatusConflict = errors.New("task status conflict")
)
