package sandbox

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by calls into a closed instance.
var ErrClosed = errors.New("sandbox: instance closed")

// FaultKind classifies execution boundary failures.
type FaultKind string

const (
	// FaultTimeout means the call exceeded its wall-clock budget and was aborted.
	FaultTimeout FaultKind = "timeout"
	// FaultTrapped means the call aborted abnormally. The instance refuses
	// further calls until Reset.
	FaultTrapped FaultKind = "trapped"
	// FaultBusy means no execution slot became free in time.
	FaultBusy FaultKind = "busy"
)

// Fault is an execution boundary failure, isolated to one instance.
type Fault struct {
	Kind      FaultKind
	Extension string
	Function  string
	Reason    string
}

func (f *Fault) Error() string {
	if f.Reason == "" {
		return fmt.Sprintf("sandbox %s: %s.%s", f.Kind, f.Extension, f.Function)
	}
	return fmt.Sprintf("sandbox %s: %s.%s: %s", f.Kind, f.Extension, f.Function, f.Reason)
}

// IsFault reports whether err is a Fault of the given kind.
func IsFault(err error, kind FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

// ScriptError is an exception thrown by extension code, or a result the
// host could not accept. Cause is set when a failing host call propagated
// out of the script.
type ScriptError struct {
	Extension string
	Function  string
	Message   string
	Cause     error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("extension %s.%s: %s", e.Extension, e.Function, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}
