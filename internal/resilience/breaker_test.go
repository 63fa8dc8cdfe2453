package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          1 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

var errDeviceDown = &TransportError{Op: "status", Err: errors.New("connection refused")}

func failOp(calls *int) func(context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		return errDeviceDown
	}
}

func okOp(calls *int) func(context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		return nil
	}
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger(), WithClock(clock.Now))
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failOp(&calls))
		require.Error(t, err)
	}

	assert.Equal(t, 3, calls)
	assert.Equal(t, StateOpen, cb.GetState())

	// The next call is rejected before any I/O.
	err := cb.Execute(ctx, failOp(&calls))
	assert.Equal(t, 3, calls)

	var coe *CircuitOpenError
	require.True(t, errors.As(err, &coe))
	assert.Equal(t, "dev-1", coe.Target)
	assert.Equal(t, clock.Now().Add(30*time.Second), coe.ResetAt)

	snap := cb.Snapshot()
	assert.Equal(t, int64(4), snap.TotalCalls)
	assert.Equal(t, int64(3), snap.FailedCalls)
	assert.Equal(t, int64(1), snap.RejectedCalls)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger(), WithClock(clock.Now))
	ctx := context.Background()

	calls := 0
	require.Error(t, cb.Execute(ctx, failOp(&calls)))
	require.Error(t, cb.Execute(ctx, failOp(&calls)))
	require.NoError(t, cb.Execute(ctx, okOp(&calls)))

	// Two more failures must not trip the threshold of three.
	require.Error(t, cb.Execute(ctx, failOp(&calls)))
	require.Error(t, cb.Execute(ctx, failOp(&calls)))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger(), WithClock(clock.Now))
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp(&calls))
	}
	require.Equal(t, StateOpen, cb.GetState())

	// Before the reset timeout elapses, calls stay rejected.
	clock.Advance(29 * time.Second)
	err := cb.Execute(ctx, okOp(&calls))
	var coe *CircuitOpenError
	require.True(t, errors.As(err, &coe))

	// After the reset timeout the first call is admitted as a probe.
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Execute(ctx, okOp(&calls)))
	assert.Equal(t, StateHalfOpen, cb.GetState())

	// The second consecutive success closes the circuit.
	require.NoError(t, cb.Execute(ctx, okOp(&calls)))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger(), WithClock(clock.Now))
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp(&calls))
	}
	clock.Advance(31 * time.Second)

	require.Error(t, cb.Execute(ctx, failOp(&calls)))
	assert.Equal(t, StateOpen, cb.GetState())

	// The failed probe restarts the reset timeout.
	err := cb.Execute(ctx, okOp(&calls))
	var coe *CircuitOpenError
	require.True(t, errors.As(err, &coe))
}

func TestCircuitBreaker_HalfOpenCapsConcurrentProbes(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger(), WithClock(clock.Now))
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp(&calls))
	}
	clock.Advance(31 * time.Second)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Execute(ctx, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	// Wait until both probes are in flight.
	<-started
	<-started

	// A third call exceeds HalfOpenMaxCalls and is rejected.
	err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
	var coe *CircuitOpenError
	require.True(t, errors.As(err, &coe))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_Fallback(t *testing.T) {
	t.Run("fallback serves rejected calls", func(t *testing.T) {
		clock := newFakeClock()
		var fallbackCause error
		cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger(),
			WithClock(clock.Now),
			WithFallback(func(ctx context.Context, cause error) error {
				fallbackCause = cause
				return nil
			}))
		ctx := context.Background()

		calls := 0
		for i := 0; i < 3; i++ {
			cb.Execute(ctx, failOp(&calls))
		}
		require.Equal(t, StateOpen, cb.GetState())

		probes := 0
		err := cb.Execute(ctx, failOp(&probes))
		assert.NoError(t, err)
		assert.Equal(t, 0, probes)

		var coe *CircuitOpenError
		assert.True(t, errors.As(fallbackCause, &coe))
	})

	t.Run("failed fallback surfaces original error", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger(),
			WithClock(clock.Now),
			WithFallback(func(ctx context.Context, cause error) error {
				return errors.New("fallback also failed")
			}))

		calls := 0
		err := cb.Execute(context.Background(), failOp(&calls))
		assert.Equal(t, errDeviceDown, err)
	})
}

func TestCircuitBreaker_OperationTimeout(t *testing.T) {
	config := testBreakerConfig()
	config.Timeout = 20 * time.Millisecond
	cb := NewCircuitBreaker("dev-1", config, testLogger())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var te *TransportError
	require.True(t, errors.As(err, &te))

	snap := cb.Snapshot()
	assert.Equal(t, int64(1), snap.FailedCalls)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger(), WithClock(clock.Now))
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp(&calls))
	}
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()

	assert.Equal(t, StateClosed, cb.GetState())
	snap := cb.Snapshot()
	assert.Equal(t, int64(0), snap.TotalCalls)
	assert.Equal(t, int64(0), snap.FailedCalls)
	assert.Equal(t, 0, snap.FailureCount)

	// Calls flow again without waiting out the reset timeout.
	require.NoError(t, cb.Execute(ctx, okOp(&calls)))
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker("dev-1", testBreakerConfig(), testLogger())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("driver bug")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, int64(1), cb.Snapshot().FailedCalls)
}
