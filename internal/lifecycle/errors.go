// Package lifecycle holds the legal-transition tables and the shared error
// taxonomy consulted by every status-changing service. Legality lives here,
// in one place, so the quest, instance and squad services cannot drift apart
// on what a valid move is.
package lifecycle

import "errors"

// Tag names exactly which precondition a failed operation violated, so the
// caller can render a precise message instead of a generic failure.
type Tag string

const (
	TagInvalidTransition      Tag = "invalid_transition"
	TagMissingReason          Tag = "missing_reason"
	TagConcurrentModification Tag = "concurrent_modification"
	TagNotFound               Tag = "not_found"
	TagPersistenceFailure     Tag = "persistence_failure"
	TagInvalidInput           Tag = "invalid_input"
)

var (
	// ErrInvalidTransition indicates the target status is not reachable from
	// the current status per the transition table.
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	// ErrMissingReason indicates a destructive action was attempted without a
	// non-empty reason.
	ErrMissingReason = errors.New("a reason is required for this action")
	// ErrConcurrentModification indicates the conditional status write lost a
	// race with another operator; the caller should refetch and retry.
	ErrConcurrentModification = errors.New("entity was modified by another operator")
	// ErrNotFound indicates the entity vanished between read and write.
	ErrNotFound = errors.New("entity not found")
	// ErrPersistenceFailure indicates a storage collaborator error, surfaced
	// verbatim and never retried automatically.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrInvalidInput indicates a malformed governance or settings payload.
	ErrInvalidInput = errors.New("invalid input")
)

// TagOf maps an error to its taxonomy tag. Unrecognized errors are reported
// as persistence failures, the only open-ended category.
func TagOf(err error) Tag {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return TagInvalidTransition
	case errors.Is(err, ErrMissingReason):
		return TagMissingReason
	case errors.Is(err, ErrConcurrentModification):
		return TagConcurrentModification
	case errors.Is(err, ErrNotFound):
		return TagNotFound
	case errors.Is(err, ErrInvalidInput):
		return TagInvalidInput
	default:
		return TagPersistenceFailure
	}
}
