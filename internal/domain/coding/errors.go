package coding

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the engine. Handlers map them onto HTTP
// statuses with errors.Is; every wrapped message keeps a human-readable
// reason.
var (
	// ErrNotFound covers a missing record, line item, or query.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an action is not legal from the
	// record's current status. The record is left untouched and no audit
	// entry is written.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrDuplicateEncounter is returned when the (encounter_ref,
	// encounter_kind) pair already has a coding record.
	ErrDuplicateEncounter = errors.New("encounter already has a coding record")

	// ErrDuplicateNumber is returned when a freshly allocated coding number
	// collides with an existing record.
	ErrDuplicateNumber = errors.New("coding number already in use")

	// ErrConcurrentModification is returned after bounded retries when two
	// mutations on the same record keep colliding.
	ErrConcurrentModification = errors.New("record was modified concurrently")

	// ErrAllocationExhausted is returned when the identifier allocator
	// cannot obtain a unique number within its retry bound. Fatal for the
	// creation attempt, not for the system.
	ErrAllocationExhausted = errors.New("coding number allocation exhausted")

	// ErrBillingUnavailable is returned when the billing sync collaborator
	// fails; the record stays in submitted for a later retry.
	ErrBillingUnavailable = errors.New("billing subsystem unavailable")

	// ErrAlreadyAnswered is returned when answering or re-answering a query
	// that is no longer open.
	ErrAlreadyAnswered = errors.New("query is not open")

	// ErrRoleNotAllowed is returned when the acting role may not perform
	// the attempted transition. The record is left untouched.
	ErrRoleNotAllowed = errors.New("role not permitted for this action")

	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")
)

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
