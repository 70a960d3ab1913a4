package escalation

import "errors"

// Sentinel errors returned by the machine. None of them change state; callers
// match with errors.Is and suppress the affordance.
var (
	// ErrNotEligible is returned by Pick when fewer than MinEligible tasks
	// are pending and awake.
	ErrNotEligible = errors.New("not enough pending tasks to pick from")

	// ErrFocusLocked is returned by Pick while the user is in single-task mode.
	ErrFocusLocked = errors.New("single-task mode is active; finish the picked task first")

	// ErrNoPick is returned when an operation needs a picked task and there is none.
	ErrNoPick = errors.New("no task is currently picked")
)
