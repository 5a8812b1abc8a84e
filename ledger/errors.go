package ledger

import "errors"

var (
	// ErrInvalidActor is returned when a mutating call carries no operator identity.
	ErrInvalidActor = errors.New("invalid actor")
	// ErrRecordNotFound is returned when no record matches the requested id
	// in the state the operation requires.
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidState is returned for transitions the record cannot make,
	// e.g. deleting an already deleted record.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidFields is returned when a field map cannot be parsed.
	ErrInvalidFields = errors.New("invalid fields")
	// ErrLockTimeout is returned when the persistence lock is not acquired in time.
	// Callers may retry.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrPersist wraps I/O and serialization failures below Save and Load.
	ErrPersist = errors.New("persist error")
	// ErrNotFound is returned by Load when the persistence target does not exist yet.
	ErrNotFound = errors.New("persistence target not found")
)
