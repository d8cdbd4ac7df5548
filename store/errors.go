package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a blob or item does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrWritesHalted is returned by blob writes after the disk filled up,
	// until ResumeWrites is called. Reads keep working.
	ErrWritesHalted = errors.New("store: blob writes halted")
)

// StorageError is an I/O or index failure. Callers retry these with backoff
// unless the wrapped error is ErrWritesHalted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
