package core

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy determines retry behavior for failed attempts.
type RetryPolicy interface {
	// NextDelay returns the delay before the next attempt and whether to retry.
	// attempt starts at 0 for the first retry after the initial failure.
	NextDelay(attempt int, err error) (delay time.Duration, ok bool)
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries int              // Maximum number of retries after the first attempt (default: 3)
	BaseDelay  time.Duration    // Delay before the first retry (default: 1s)
	MaxDelay   time.Duration    // Cap on any single delay (default: 60s)
	Jitter     float64          // Jitter fraction 0.0-1.0 of the backoff added on top (default: 1.0)
	Classify   func(error) bool // Retryable classification (default: IsRetryable)
}

// DefaultRetryPolicy returns exponential backoff with full jitter, 3 retries
// and a 60s cap.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     1.0,
	})
}

// NoRetry returns a policy that never retries.
func NoRetry() RetryPolicy {
	return NewRetryPolicy(RetryConfig{MaxRetries: 0})
}

// NewRetryPolicy creates a retry policy with the given configuration.
// A negative MaxRetries selects the default; zero disables retries.
func NewRetryPolicy(cfg RetryConfig) RetryPolicy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 1.0
	}
	if cfg.Classify == nil {
		cfg.Classify = IsRetryable
	}
	return &exponentialBackoff{cfg: cfg}
}

type exponentialBackoff struct {
	cfg RetryConfig
}

func (e *exponentialBackoff) NextDelay(attempt int, err error) (time.Duration, bool) {
	if attempt >= e.cfg.MaxRetries {
		return 0, false
	}
	if !e.cfg.Classify(err) {
		return 0, false
	}

	// base * 2^attempt, plus jitter in [0, backoff), then capped. Capping
	// after jitter keeps the schedule non-decreasing.
	delay := float64(e.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if e.cfg.Jitter > 0 {
		delay += rand.Float64() * delay * e.cfg.Jitter
	}
	if delay > float64(e.cfg.MaxDelay) {
		delay = float64(e.cfg.MaxDelay)
	}
	return time.Duration(delay), true
}

// RetryHook observes each scheduled retry.
type RetryHook func(attempt int, delay time.Duration, err error)

// Retry runs fn until it succeeds, the policy gives up, or ctx is done.
// fn receives the zero-based attempt number. The last error from fn is
// returned unchanged, including when ctx ends during a backoff.
func Retry(ctx context.Context, policy RetryPolicy, onRetry RetryHook, fn func(ctx context.Context, attempt int) error) error {
	if policy == nil {
		policy = NoRetry()
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		delay, ok := policy.NextDelay(attempt, err)
		if !ok {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
