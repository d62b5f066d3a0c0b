package runtime

import "errors"

// Failure classes recorded on runs. All of them are fatal to the single
// run, never to the process; automatic retry does not exist, rerun is an
// explicit external action.
var (
	// ErrUnitNotFound marks a run whose owning unit no longer exists. A
	// structural fault, failed immediately without retry.
	ErrUnitNotFound = errors.New("runtime: unit not found")

	// ErrStepOutOfRange marks a persisted step index outside the unit's
	// action list. Execute re-validates bounds instead of trusting callers.
	ErrStepOutOfRange = errors.New("runtime: step index out of range")

	// ErrCheckFailed marks a check action whose classified label was not
	// among the expected set.
	ErrCheckFailed = errors.New("runtime: check action failed")
)
