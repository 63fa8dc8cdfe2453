package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// TransportError wraps a connection-level failure (refused, reset, timeout).
// Transport errors are retryable and count against the owning circuit breaker.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error during %s", e.Op)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError indicates a malformed or unexpected response from a device
// (bad checksum, unparseable XML, client-side HTTP error). Not retryable.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned when a breaker rejects a call before any I/O.
type CircuitOpenError struct {
	Target  string
	ResetAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Target, time.Until(e.ResetAt).Round(time.Second))
}

// RetryAfter returns the estimated time remaining until the breaker admits a probe.
func (e *CircuitOpenError) RetryAfter() time.Duration {
	d := time.Until(e.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// RetryExhaustedError wraps the last underlying error after all retry
// attempts have been consumed.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// transientMessages are substrings of transport failures that the standard
// library reports as plain errors.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"unexpected EOF",
}

// IsTransient reports whether err looks like a transient transport failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are terminal for the caller, never transient.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return true
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientMessages {
		if strings.Contains(msg, strings.ToLower(fragment)) {
			return true
		}
	}

	return false
}
