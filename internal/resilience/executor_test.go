package resilience

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor() *Executor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewExecutor(
		BreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          1 * time.Second,
			ResetTimeout:     30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
		RetryConfig{
			MaxRetries:      1,
			BaseDelay:       1 * time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			ExponentialBase: 2.0,
		},
		logger,
	)
}

func TestExecutor_IsolatesTargets(t *testing.T) {
	executor := newTestExecutor()
	ctx := context.Background()

	// Drive dev-1's breaker open. Each Execute retries once, so a single
	// call records one breaker failure.
	for i := 0; i < 2; i++ {
		err := executor.Execute(ctx, "dev-1", func(ctx context.Context) error {
			return &TransportError{Op: "status", Err: errors.New("connection refused")}
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, executor.Breaker("dev-1").GetState())

	// A healthy sibling target is unaffected.
	err := executor.Execute(ctx, "dev-2", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, executor.Breaker("dev-2").GetState())
}

func TestExecutor_RetriesInsideBreaker(t *testing.T) {
	executor := newTestExecutor()

	calls := 0
	err := executor.Execute(context.Background(), "dev-1", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &TransportError{Op: "send", Err: errors.New("connection reset")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// The retried failure resolved inside the breaker, so the breaker saw
	// a single successful call.
	snap := executor.Breaker("dev-1").Snapshot()
	assert.Equal(t, int64(1), snap.TotalCalls)
	assert.Equal(t, int64(1), snap.SuccessfulCalls)
}

func TestExecutor_ConfigureTargetOverride(t *testing.T) {
	executor := newTestExecutor()
	executor.ConfigureTarget("cache-store", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          1 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	})

	err := executor.Execute(context.Background(), "cache-store", func(ctx context.Context) error {
		return &TransportError{Op: "save", Err: errors.New("connection refused")}
	})
	require.Error(t, err)

	// The override threshold of one opens the breaker on the first failure.
	assert.Equal(t, StateOpen, executor.Breaker("cache-store").GetState())
}

func TestExecutor_TargetsAndStats(t *testing.T) {
	executor := newTestExecutor()
	ctx := context.Background()

	executor.Execute(ctx, "dev-b", func(ctx context.Context) error { return nil })
	executor.Execute(ctx, "dev-a", func(ctx context.Context) error { return nil })

	assert.Equal(t, []string{"dev-a", "dev-b"}, executor.Targets())

	stats := executor.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "dev-a", stats[0].Name)
	assert.Equal(t, "dev-b", stats[1].Name)
}

func TestExecutor_Reset(t *testing.T) {
	executor := newTestExecutor()

	assert.Error(t, executor.Reset("never-seen"))

	executor.Execute(context.Background(), "dev-1", func(ctx context.Context) error { return nil })
	assert.NoError(t, executor.Reset("dev-1"))
}

func TestExecutor_Remove(t *testing.T) {
	executor := newTestExecutor()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		executor.Execute(ctx, "dev-1", func(ctx context.Context) error {
			return &TransportError{Op: "status", Err: errors.New("connection refused")}
		})
	}
	require.Equal(t, StateOpen, executor.Breaker("dev-1").GetState())

	executor.Remove("dev-1")

	// Re-registration starts with a fresh breaker.
	assert.Equal(t, StateClosed, executor.Breaker("dev-1").GetState())
	assert.Equal(t, []string{"dev-1"}, executor.Targets())
}
