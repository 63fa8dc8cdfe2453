package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig holds circuit breaker configuration for one target.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold"`
	SuccessThreshold int           `json:"successThreshold"`
	Timeout          time.Duration `json:"timeout"`
	ResetTimeout     time.Duration `json:"resetTimeout"`
	HalfOpenMaxCalls int           `json:"halfOpenMaxCalls"`
}

// DefaultBreakerConfig returns default circuit breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Snapshot is a point-in-time copy of a breaker's state and counters,
// consumed by the health API.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	TotalCalls      int64     `json:"totalCalls"`
	SuccessfulCalls int64     `json:"successfulCalls"`
	FailedCalls     int64     `json:"failedCalls"`
	RejectedCalls   int64     `json:"rejectedCalls"`
	StateChanges    int64     `json:"stateChanges"`
	LastFailure     time.Time `json:"lastFailure,omitempty"`
	LastSuccess     time.Time `json:"lastSuccess,omitempty"`
}

// Fallback produces an alternate outcome when the primary call is rejected
// or fails. It receives the cause of the primary failure.
type Fallback func(ctx context.Context, cause error) error

// CircuitBreaker guards one named target with the CLOSED/OPEN/HALF_OPEN
// state machine. All state transitions happen under the internal lock.
type CircuitBreaker struct {
	name     string
	config   BreakerConfig
	logger   *logrus.Entry
	fallback Fallback
	now      func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	lastFailureTime  time.Time

	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
	rejectedCalls   int64
	stateChanges    int64
	lastFailure     time.Time
	lastSuccess     time.Time
}

// BreakerOption is a functional option for configuring a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithFallback registers a fallback invoked on rejection or primary failure.
func WithFallback(fb Fallback) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.fallback = fb
	}
}

// WithClock overrides the breaker's time source. Used by tests to advance
// virtual time past the reset timeout without sleeping.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a breaker for the named target.
func NewCircuitBreaker(name string, config BreakerConfig, logger *logrus.Entry, opts ...BreakerOption) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger.WithField("circuit_breaker", name),
		state:  StateClosed,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// Name returns the breaker target name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs op through the breaker. The operation is bounded by the
// breaker's per-call timeout, further capped by any remaining caller
// deadline. A rejected call never invokes op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	admitted, halfOpen, rejectErr := cb.admit()
	if !admitted {
		if cb.fallback != nil {
			if fbErr := cb.fallback(ctx, rejectErr); fbErr == nil {
				return nil
			}
		}
		return rejectErr
	}

	timeout := cb.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic in breaker %s operation: %v", cb.name, r)
			}
		}()
		errCh <- op(callCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-callCtx.Done():
		err = &TransportError{
			Op:  cb.name,
			Err: fmt.Errorf("operation timed out after %s: %w", timeout, callCtx.Err()),
		}
	}

	cb.record(err, halfOpen)

	if err != nil && cb.fallback != nil {
		if fbErr := cb.fallback(ctx, err); fbErr == nil {
			return nil
		}
		// The fallback failing is secondary; surface the original cause.
		return err
	}

	return err
}

// admit decides whether a call may proceed. It returns whether the call was
// admitted, whether it was admitted as a half-open probe, and the rejection
// error otherwise.
func (cb *CircuitBreaker) admit() (bool, bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return true, false, nil

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.ResetTimeout {
			cb.transition(StateHalfOpen)
			cb.successCount = 0
			cb.halfOpenInFlight = 1
			return true, true, nil
		}
		cb.rejectedCalls++
		return false, false, &CircuitOpenError{
			Target:  cb.name,
			ResetAt: cb.lastFailureTime.Add(cb.config.ResetTimeout),
		}

	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenMaxCalls {
			cb.halfOpenInFlight++
			return true, true, nil
		}
		cb.rejectedCalls++
		return false, false, &CircuitOpenError{
			Target:  cb.name,
			ResetAt: cb.lastFailureTime.Add(cb.config.ResetTimeout),
		}

	default:
		cb.rejectedCalls++
		return false, false, &CircuitOpenError{Target: cb.name, ResetAt: cb.now()}
	}
}

// record applies the outcome of an admitted call to the state machine.
func (cb *CircuitBreaker) record(err error, halfOpenProbe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if halfOpenProbe && cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil {
		cb.failedCalls++
		cb.lastFailure = cb.now()
		cb.lastFailureTime = cb.lastFailure

		switch cb.state {
		case StateClosed:
			cb.failureCount++
			if cb.failureCount >= cb.config.FailureThreshold {
				cb.transition(StateOpen)
				cb.logger.WithFields(logrus.Fields{
					"failure_count":     cb.failureCount,
					"failure_threshold": cb.config.FailureThreshold,
				}).Warn("Circuit breaker opened due to failures")
			}
		case StateHalfOpen:
			// Any failure while probing reopens the circuit.
			cb.transition(StateOpen)
			cb.halfOpenInFlight = 0
			cb.logger.Warn("Circuit breaker reopened after half-open failure")
		}
		return
	}

	cb.successfulCalls++
	cb.lastSuccess = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.halfOpenInFlight = 0
			cb.logger.Info("Circuit breaker closed after successful recovery")
		}
	}
}

// transition changes state and bumps the change counter. Callers hold the lock.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.stateChanges++
	cb.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("Circuit breaker state changed")
}

// Reset is an explicit operator action: it forces the breaker back to CLOSED
// and zeroes every counter. Logged distinctly from automatic transitions.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0
	cb.lastFailureTime = time.Time{}
	cb.totalCalls = 0
	cb.successfulCalls = 0
	cb.failedCalls = 0
	cb.rejectedCalls = 0
	cb.stateChanges = 0
	cb.lastFailure = time.Time{}
	cb.lastSuccess = time.Time{}

	cb.logger.WithField("manual", true).Info("Circuit breaker manually reset")
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker's state and counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalCalls:      cb.totalCalls,
		SuccessfulCalls: cb.successfulCalls,
		FailedCalls:     cb.failedCalls,
		RejectedCalls:   cb.rejectedCalls,
		StateChanges:    cb.stateChanges,
		LastFailure:     cb.lastFailure,
		LastSuccess:     cb.lastSuccess,
	}
}
