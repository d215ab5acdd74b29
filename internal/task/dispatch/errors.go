package dispatch

import "errors"

var (
	ErrDisabled = errors.New("dispatcher disabled")
	ErrStopped  = errors.New("dispatcher stopped")
	ErrStopping = errors.New("dispatcher stopping")

	// ErrInvalidTask wraps synchronous submission validation failures.
	// Tasks rejected with it are never registered.
	ErrInvalidTask = errors.New("invalid task")
)
