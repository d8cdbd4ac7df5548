package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/catalog-harvester/fetch"
	"github.com/wolfeidau/catalog-harvester/sandbox"
	"github.com/wolfeidau/catalog-harvester/store"
)

var (
	// ErrUnknownSync is returned for a sync token that was never issued or
	// has been pruned.
	ErrUnknownSync = errors.New("orchestrator: unknown sync token")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("orchestrator: stopped")
)

// ValidationError is a malformed response from an extension.
type ValidationError struct {
	Extension string
	Function  string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("extension %s returned invalid %s response: %s", e.Extension, e.Function, e.Reason)
}

// ChecksumMismatch means fetched bytes did not match the declared digest or
// size.
type ChecksumMismatch struct {
	Locator  string
	Expected string
	Actual   string
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Locator, e.Expected, e.Actual)
}

// retryable reports whether a failed attempt may succeed later: sandbox
// timeouts and busy slots, transient network errors, and storage errors
// other than a write halt.
func retryable(err error) bool {
	var se *store.StorageError
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case sandbox.IsFault(err, sandbox.FaultTimeout), sandbox.IsFault(err, sandbox.FaultBusy):
		return true
	case fetch.IsTransient(err):
		return true
	case errors.As(err, &se):
		return !errors.Is(err, store.ErrWritesHalted)
	}
	return false
}
