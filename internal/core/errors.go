package core

import "errors"

// Recoverable write failures. All four are retry-or-surface conditions
// for the caller, never fatal to the process. Storage-layer failures
// are deliberately not in this list; those propagate as-is.
var (
	// ErrEntityNotFound: read or correct against an unknown entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrStaleWrite: the supplied expected version is no longer the
	// head; re-read and retry.
	ErrStaleWrite = errors.New("stale write: version is no longer current")

	// ErrOutOfOrderEvolution: an evolve whose valid_from precedes the
	// entity's existing timeline.
	ErrOutOfOrderEvolution = errors.New("out-of-order evolution")

	// ErrInvalidTimeRange: valid_from later than valid_to.
	ErrInvalidTimeRange = errors.New("invalid time range")
)
