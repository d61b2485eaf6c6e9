package core

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by every call issued through one
// client. Tokens refill lazily from elapsed time when a caller asks for one.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a bucket holding capacity tokens, refilled at
// refill tokens per second. A non-positive refill rate disables limiting.
func NewRateLimiter(capacity int, refill float64) *RateLimiter {
	if refill <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(refill), capacity)}
}

// NewRateLimiterPerMinute creates a bucket allowing perMinute requests per
// minute with the given burst.
func NewRateLimiterPerMinute(perMinute, burst int) *RateLimiter {
	return NewRateLimiter(burst, float64(perMinute)/60)
}

// Acquire blocks until a token is available or ctx is done. When the
// deadline leaves no room for a token, Acquire fails at once with a
// RouterError of kind ErrRateLimited that also matches ErrTimeout.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil {
		return nil
	}
	err := r.limiter.Wait(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &RouterError{Kind: ErrRouter, Op: "acquire", Message: "canceled while waiting for rate limiter", Cause: err}
	}
	cause := ctx.Err()
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	return &RouterError{
		Kind:    ErrRateLimited,
		Op:      "acquire",
		Message: "no token available before deadline",
		Cause:   errors.Join(ErrTimeout, cause),
	}
}

// AcquireTimeout is Acquire bounded by timeout.
func (r *RateLimiter) AcquireTimeout(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.Acquire(ctx)
}

// TryAcquire takes a token if one is available without waiting.
func (r *RateLimiter) TryAcquire() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

// Available reports the current number of tokens.
func (r *RateLimiter) Available() float64 {
	if r == nil {
		return 0
	}
	return r.limiter.Tokens()
}
