package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Executor composes the retry policy inside a per-target circuit breaker:
// one breaker guards each named target, and each admitted call runs the
// operation under the backoff policy.
type Executor struct {
	breakerConfig BreakerConfig
	retry         *RetryPolicy
	logger        *logrus.Logger

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	overrides map[string]BreakerConfig
}

// ExecutorOption is a functional option for configuring an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates an executor with the given default breaker and retry
// configuration. Breakers are created lazily at first use of a target.
func NewExecutor(breakerConfig BreakerConfig, retryConfig RetryConfig, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{
		breakerConfig: breakerConfig,
		retry:         NewRetryPolicy(retryConfig, logger.WithField("component", "retry")),
		logger:        logger,
		breakers:      make(map[string]*CircuitBreaker),
		overrides:     make(map[string]BreakerConfig),
	}
}

// ConfigureTarget registers a breaker configuration override applied when
// the named target's breaker is first created.
func (e *Executor) ConfigureTarget(target string, config BreakerConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[target] = config
}

// Execute runs op against the named target through its circuit breaker and
// the retry policy.
func (e *Executor) Execute(ctx context.Context, target string, op func(context.Context) error) error {
	cb := e.Breaker(target)
	return cb.Execute(ctx, func(ctx context.Context) error {
		return e.retry.Execute(ctx, op)
	})
}

// Breaker returns the circuit breaker for the target, creating it on first use.
func (e *Executor) Breaker(target string) *CircuitBreaker {
	e.mu.RLock()
	cb, ok := e.breakers[target]
	e.mu.RUnlock()
	if ok {
		return cb
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok = e.breakers[target]; ok {
		return cb
	}

	config := e.breakerConfig
	if override, ok := e.overrides[target]; ok {
		config = override
	}

	cb = NewCircuitBreaker(target, config, logrus.NewEntry(e.logger))
	e.breakers[target] = cb
	return cb
}

// Targets returns the names of all breakers created so far.
func (e *Executor) Targets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.breakers))
	for name := range e.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns snapshots for every breaker, sorted by target name.
func (e *Executor) Stats() []Snapshot {
	e.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(e.breakers))
	for _, cb := range e.breakers {
		breakers = append(breakers, cb)
	}
	e.mu.RUnlock()

	stats := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Snapshot())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Reset forces the named breaker back to CLOSED. Unknown targets are an error.
func (e *Executor) Reset(target string) error {
	e.mu.RLock()
	cb, ok := e.breakers[target]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown circuit breaker target: %s", target)
	}
	cb.Reset()
	return nil
}

// Remove drops the breaker for a target. Used when a device is evicted.
func (e *Executor) Remove(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.breakers, target)
}
