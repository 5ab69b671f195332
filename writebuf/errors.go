package writebuf

import "errors"

// Sentinel errors returned by WriteBuffer operations.
//
// Callers should classify with errors.Is. Per spec.md §7, Again and
// Conflict are recoverable signals the tree layer loops on; Corrupted
// and Io are fatal for the affected operation and are never swallowed.
var (
	// ErrAgain indicates the target buffer is sealed or out of space.
	//
	// Caller action: obtain the next buffer via BufferSet and retry.
	ErrAgain = errors.New("writebuf: again")

	// ErrInvalidInput indicates a constructor or parameter precondition
	// was violated (e.g. non-power-of-two capacity).
	ErrInvalidInput = errors.New("writebuf: invalid input")

	// ErrCorrupted indicates a persisted invariant was violated on load:
	// a record's flags are unrecognized, or its declared size runs past
	// the data available. Reserved for the on-disk layer (spec.md §7:
	// "surfaced from the on-disk layer through the core").
	//
	// Caller action: fatal for the affected operation.
	ErrCorrupted = errors.New("writebuf: corrupted")
)
