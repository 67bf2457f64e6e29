package threads

import "errors"

var (
	// ErrNotFound marks operations referencing a thread or participant
	// that does not exist. Returned to callers, never logged as an
	// error.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument rejects malformed input before any mutation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied marks an acting user whose participation
	// level is insufficient for the requested mutation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCapacityExceeded marks a thread at its participant limit.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)
