package billing

import "errors"

var (
	// ErrNotFound means no bill matches the lookup.
	ErrNotFound = errors.New("bill not found")

	// ErrDuplicateBill means a bill already exists for the coding record.
	// The sync adapter treats this as a lost race and returns the winner.
	ErrDuplicateBill = errors.New("bill already exists for coding record")

	// ErrDuplicateNumber means the allocated bill number is already taken.
	ErrDuplicateNumber = errors.New("duplicate bill number")

	// ErrAllocationExhausted means the daily bill-number sequence ran out.
	ErrAllocationExhausted = errors.New("bill number allocation exhausted")

	// ErrTimeout means the store did not answer within the operation
	// deadline.
	ErrTimeout = errors.New("billing store timeout")
)
