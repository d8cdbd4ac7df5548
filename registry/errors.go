package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown or unloaded extension.
	ErrNotFound = errors.New("registry: extension not found")
	// ErrQuarantined is returned when calling a quarantined extension.
	ErrQuarantined = errors.New("registry: extension quarantined")
	// ErrCapability is returned when a job kind needs an undeclared capability.
	ErrCapability = errors.New("registry: missing capability")
)

// LoadErrorKind classifies a failed load.
type LoadErrorKind string

const (
	IncompatibleVersion LoadErrorKind = "incompatible_version"
	ValidationFailed    LoadErrorKind = "validation_failed"
	BundleUnreadable    LoadErrorKind = "bundle_unreadable"
	ScriptFailed        LoadErrorKind = "script_failed"
	AlreadyLoaded       LoadErrorKind = "already_loaded"
)

// LoadError is fatal to one load attempt. The extension is not registered.
type LoadError struct {
	Kind      LoadErrorKind
	Extension string
	Path      string
	Err       error
}

func (e *LoadError) Error() string {
	subject := e.Extension
	if subject == "" {
		subject = e.Path
	}
	return fmt.Sprintf("loading extension %s: %s: %v", subject, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError reports whether err is a LoadError of the given kind.
func IsLoadError(err error, kind LoadErrorKind) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == kind
}
