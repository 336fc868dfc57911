package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type (
	// ValidationError is the archive rejecting a request as
	// malformed, unauthorized, or otherwise unacceptable. Retrying
	// the same request cannot succeed.
	ValidationError struct {
		StatusCode int
		Message    string
	}

	// ServerError is a failure inside the archive itself. These are
	// assumed to be transient.
	ServerError struct {
		StatusCode int
		Message    string
	}

	// TransportError wraps failures that occurred before a response
	// was received, such as connection resets and timeouts.
	TransportError struct {
		Err error
	}
)

func (err *ValidationError) Error() string {
	return fmt.Sprintf("archive rejected request (status %d): %s", err.StatusCode, err.Message)
}

func (err *ServerError) Error() string {
	return fmt.Sprintf("archive server failure (status %d): %s", err.StatusCode, err.Message)
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("archive unreachable: %s", err.Err)
}

func (err *TransportError) Unwrap() error { return err.Err }

// IsTransient reports whether the error given is one that a retry
// with backoff could reasonably resolve. Validation failures and
// cancellation are excluded; server failures, timeouts and network
// interruptions are included.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var serverError *ServerError
	if errors.As(err, &serverError) {
		return true
	}

	var transportError *TransportError
	if errors.As(err, &transportError) {
		// Cancellation propagates through the HTTP client wrapped
		// in a url.Error; it must not be mistaken for a network
		// interruption.
		return !errors.Is(transportError.Err, context.Canceled)
	}

	var netError net.Error
	if errors.As(err, &netError) && netError.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
