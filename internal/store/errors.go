package store

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a pending request can no longer be applied
	// because the store's sequence moved past it.
	ErrConflict = errors.New("store: sequence conflict")

	// ErrSequenceGap is returned when events would leave a gap in, or reuse,
	// the sequence.
	ErrSequenceGap = errors.New("store: sequence gap")
)
