package state

import (
	"errors"
	"fmt"
)

var (
	ErrLockTimeout = errors.New("state lock acquisition timed out")
	ErrReservedID  = errors.New("item id collides with a reserved key")
	ErrEmptyID     = errors.New("item id is empty")

	ErrNegativeRetention = errors.New("retention days must be non-negative")
)

// Error reports a persistence failure: lock timeout, I/O error or a
// rejected write. Load-time corruption is recovered locally and never
// surfaces as an Error.
type Error struct {
	Op      string
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("state %s (%s): %v", e.Op, e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, backend string, err error) error {
	return &Error{Op: op, Backend: backend, Err: err}
}

// IsLockTimeout reports whether err is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
