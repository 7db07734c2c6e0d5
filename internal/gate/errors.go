package gate

import (
	"errors"
	"fmt"
)

// Error codes for infrastructure failures surfaced by the gate.
const (
	// ErrTransientStorage: a read or write to one of the three stores
	// failed. The affected operation was not applied; a caller should
	// treat this as a denial rather than proceed with uncontrolled
	// spend.
	ErrTransientStorage = "GK100"
)

// StorageError wraps an infrastructure failure from the cache store,
// state tracker or budget ledger. Denials never use it; they are
// ordinary Decision values.
type StorageError struct {
	Code string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is or wraps a StorageError.
// Uses errors.As to handle wrapped and joined errors.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageError(op string, err error) *StorageError {
	return &StorageError{Code: ErrTransientStorage, Op: op, Err: err}
}
