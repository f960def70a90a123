package task

import "errors"

var (
	// ErrAuthRequired is returned before any storage access when the request
	// carries no bound identity.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNotFound means no task with the given id exists.
	ErrNotFound = errors.New("task not found")

	// ErrNotOwner means the task exists but belongs to another identity.
	// Client-facing layers present it with the same message as ErrNotFound so
	// authenticated callers probing ids cannot learn which foreign ids exist.
	ErrNotOwner = errors.New("not task owner")

	// ErrValidation wraps field-level input failures.
	ErrValidation = errors.New("validation failed")
)
