package tracker

import "errors"

// Sentinel errors for the tracker package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrEmptyTitle is returned when a task is added without a title.
	ErrEmptyTitle = errors.New("task title is required")

	// ErrMissingDeadline is returned when a task is added without a deadline.
	ErrMissingDeadline = errors.New("task deadline is required")
)
