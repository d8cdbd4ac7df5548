package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrHostNotAllowed is returned when a URL's host is outside the
	// extension's allowed_hosts patterns.
	ErrHostNotAllowed = errors.New("host not allowed")

	// ErrBodyTooLarge is returned when a response exceeds the size limit.
	ErrBodyTooLarge = errors.New("response body too large")
)

// NetworkError is a failed outbound request. Transient errors are worth
// retrying later; permanent ones are not.
type NetworkError struct {
	URL       string
	Status    int
	Transient bool
	Err       error
}

func (e *NetworkError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s network error fetching %s: status %d", kind, e.URL, e.Status)
	}
	return fmt.Sprintf("%s network error fetching %s: %v", kind, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the request may succeed.
func (e *NetworkError) IsTransient() bool {
	return e.Transient
}

// IsTransient reports whether err wraps a transient NetworkError.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Transient
}

func statusError(url string, status int) *NetworkError {
	return &NetworkError{
		URL:       url,
		Status:    status,
		Transient: status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500,
		Err:       fmt.Errorf("unexpected status %d", status),
	}
}

func transportError(url string, err error) *NetworkError {
	transient := true
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, ErrHostNotAllowed), errors.Is(err, ErrBodyTooLarge):
		transient = false
	case errors.As(err, &dnsErr):
		transient = dnsErr.IsTemporary || dnsErr.IsTimeout
	case errors.Is(err, context.Canceled):
		transient = false
	}
	return &NetworkError{URL: url, Transient: transient, Err: err}
}
