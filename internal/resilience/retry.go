package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig holds the backoff and classification settings for a retry policy.
type RetryConfig struct {
	MaxRetries      int           `json:"maxRetries"`
	BaseDelay       time.Duration `json:"baseDelay"`
	MaxDelay        time.Duration `json:"maxDelay"`
	ExponentialBase float64       `json:"exponentialBase"`
	JitterMin       time.Duration `json:"jitterMin"`
	JitterMax       time.Duration `json:"jitterMax"`

	// RetryableMatches whitelists additional error message fragments the
	// caller considers retryable on top of the transport classification.
	RetryableMatches []string `json:"retryableMatches,omitempty"`
}

// DefaultRetryConfig returns a retry configuration with sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		JitterMin:       0,
		JitterMax:       500 * time.Millisecond,
	}
}

// RetryPolicy decides whether an error is retryable and how long to wait
// before the next attempt.
type RetryPolicy struct {
	config RetryConfig
	logger *logrus.Entry
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig, logger *logrus.Entry) *RetryPolicy {
	if config.ExponentialBase <= 1 {
		config.ExponentialBase = 2.0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &RetryPolicy{config: config, logger: logger}
}

// ShouldRetry classifies an error. Transient transport failures and
// whitelisted messages are retryable; everything else is not.
func (p *RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return false
	}

	if IsTransient(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range p.config.RetryableMatches {
		if fragment != "" && strings.Contains(msg, strings.ToLower(fragment)) {
			return true
		}
	}

	return false
}

// NextDelay computes the backoff before the retry with the given zero-based
// attempt index: min(maxDelay, baseDelay*base^attempt) + uniform jitter.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.config.BaseDelay) * math.Pow(p.config.ExponentialBase, float64(attempt))
	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}

	jitterRange := p.config.JitterMax - p.config.JitterMin
	if jitterRange > 0 {
		delay += float64(p.config.JitterMin) + rand.Float64()*float64(jitterRange)
	} else {
		delay += float64(p.config.JitterMin)
	}

	return time.Duration(delay)
}

// Execute runs op, retrying retryable failures until MaxRetries is consumed.
// The context is checked before every sleep so an expired deadline fails fast
// instead of waiting out the backoff.
func (p *RetryPolicy) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return &RetryExhaustedError{Attempts: attempt, Err: lastErr}
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !p.ShouldRetry(lastErr) {
			return lastErr
		}

		if attempt >= p.config.MaxRetries {
			return &RetryExhaustedError{Attempts: attempt + 1, Err: lastErr}
		}

		delay := p.NextDelay(attempt)

		// Fail fast when the remaining deadline cannot cover the backoff.
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			p.logger.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"delay":   delay,
			}).Warn("Deadline too close for another retry, giving up")
			return &RetryExhaustedError{Attempts: attempt + 1, Err: lastErr}
		}

		p.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
			"reason":  lastErr.Error(),
		}).Debug("Retrying after backoff")

		select {
		case <-ctx.Done():
			return &RetryExhaustedError{Attempts: attempt + 1, Err: lastErr}
		case <-time.After(delay):
		}
	}
}
