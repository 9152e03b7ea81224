package audit

import "errors"

var (
	// ErrChainWriteConflict means another writer extended the chain between
	// reading the tail and inserting. The append must be redone against a
	// freshly read tail.
	ErrChainWriteConflict = errors.New("audit chain write conflict")

	// ErrInvalidEntry means the role or action is not one of the known values.
	ErrInvalidEntry = errors.New("invalid audit entry")
)
