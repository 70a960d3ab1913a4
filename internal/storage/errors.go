package storage

import "errors"

// Sentinel errors for the storage package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrUserIDRequired is returned when an operation is attempted without a user.
	ErrUserIDRequired = errors.New("user ID is required")

	// ErrInvalidUserID is returned when a user ID is not a safe path segment.
	ErrInvalidUserID = errors.New("user ID must match [A-Za-z0-9_.-] and be at most 64 characters")

	// ErrTaskIDRequired is returned when a task write has no ID.
	ErrTaskIDRequired = errors.New("task ID is required")

	// ErrTaskNotFound is returned when a task ID does not exist for the user.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotPending is returned when completing or snoozing a resolved task.
	ErrTaskNotPending = errors.New("task is not pending")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)
