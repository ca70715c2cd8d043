package ledger

import "errors"

var (
	// ErrNotFound is returned when no entry exists for a commit id.
	ErrNotFound = errors.New("ledger: not found")

	// ErrAlreadyResolved is returned when an entry has left the status a
	// transition expected, usually because another ratifier got there first.
	ErrAlreadyResolved = errors.New("ledger: already resolved")

	// ErrExists is returned by Create when the commit id is taken.
	ErrExists = errors.New("ledger: commit id exists")

	// ErrReasonRequired is returned when a rejection carries no reason.
	ErrReasonRequired = errors.New("ledger: rejection reason required")

	// ErrInvalidID is returned for commit ids outside the ledger's id syntax.
	ErrInvalidID = errors.New("ledger: invalid commit id")
)
