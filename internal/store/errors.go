package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when a versioned write loses a
	// compare-and-swap race.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// StorageError wraps an I/O failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Wrap turns a backend error into a *StorageError. Nil, domain sentinels and
// errors that already carry a StorageError are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConcurrentModification) ||
		IsStorageError(err) {
		return err
	}
	var ve interface{ HasErrors() bool }
	if errors.As(err, &ve) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
