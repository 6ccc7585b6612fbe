package task

import "errors"

var (
	// ErrInvalidTransition is returned when a lifecycle operation is
	// not permitted from the task's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrClaimConflict is returned to the loser of a claim race. The
	// caller treats it as a no-op: another execution owns the task.
	ErrClaimConflict = errors.New("task already claimed")

	// ErrClaimMismatch is returned when a status write carries a claim
	// id that no longer owns the task.
	ErrClaimMismatch = errors.New("claim id does not own task")
)
