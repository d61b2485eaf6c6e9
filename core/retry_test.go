package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()
	if policy == nil {
		t.Fatal("DefaultRetryPolicy() returned nil")
	}
}

func TestRetryPolicyRetryableErrors(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name      string
		err       error
		wantRetry bool
	}{
		{"ErrNetwork", ErrNetwork, true},
		{"ErrTimeout", ErrTimeout, true},
		{"ErrInference", ErrInference, true},
		{"wrapped ErrNetwork", &RouterError{Kind: ErrNetwork, Op: "inference"}, true},
		{"wrapped ErrTimeout", &RouterError{Kind: ErrTimeout, Status: 504}, true},
		{"generic 502", &RouterError{Kind: ErrRouter, Status: 502}, true},
		{"generic 599", &RouterError{Kind: ErrRouter, Status: 599}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := policy.NextDelay(0, tt.err)
			if ok != tt.wantRetry {
				t.Errorf("NextDelay(0, %v) retry = %v, want %v", tt.err, ok, tt.wantRetry)
			}
		})
	}
}

func TestRetryPolicyNonRetryableErrors(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name string
		err  error
	}{
		{"ErrValidation", ErrValidation},
		{"ErrModelNotFound", ErrModelNotFound},
		{"ErrUnauthorized", ErrUnauthorized},
		{"ErrRateLimited", ErrRateLimited},
		{"ErrRouter", ErrRouter},
		{"context.Canceled", context.Canceled},
		{"context.DeadlineExceeded", context.DeadlineExceeded},
		{"wrapped ErrValidation", &RouterError{Kind: ErrValidation, Status: 400}},
		{"wrapped ErrModelNotFound", &RouterError{Kind: ErrModelNotFound, Status: 404}},
		{"generic 418", &RouterError{Kind: ErrRouter, Status: 418}},
		{"canceled cause", &RouterError{Kind: ErrRouter, Cause: context.Canceled}},
		{"admission timeout", &RouterError{Kind: ErrRateLimited, Cause: errors.Join(ErrTimeout, context.DeadlineExceeded)}},
		{"nil error", nil},
		{"unknown error", errors.New("unknown error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := policy.NextDelay(0, tt.err)
			if ok {
				t.Errorf("NextDelay(0, %v) should not retry", tt.err)
			}
		})
	}
}

func TestRetryPolicyMaxRetries(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0,
	})

	for attempt := 0; attempt < 3; attempt++ {
		if _, ok := policy.NextDelay(attempt, ErrNetwork); !ok {
			t.Errorf("NextDelay(%d, err) should allow retry", attempt)
		}
	}
	if _, ok := policy.NextDelay(3, ErrNetwork); ok {
		t.Error("NextDelay(3, err) should not allow retry (exceeds max)")
	}
}

func TestRetryPolicyZeroRetries(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxRetries: 0})
	if _, ok := policy.NextDelay(0, ErrNetwork); ok {
		t.Error("MaxRetries 0 should never retry")
	}
}

func TestRetryPolicyExponentialBackoff(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0,
	})

	for attempt := 0; attempt < 4; attempt++ {
		delay, ok := policy.NextDelay(attempt, ErrNetwork)
		if !ok {
			t.Fatalf("NextDelay(%d, err) should allow retry", attempt)
		}
		want := 100 * time.Millisecond * time.Duration(1<<attempt)
		if delay != want {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, delay, want)
		}
	}
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries: 10,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Jitter:     0,
	})

	delay, ok := policy.NextDelay(5, ErrNetwork)
	if !ok {
		t.Fatal("should allow retry")
	}
	if delay != 5*time.Second {
		t.Errorf("delay = %v, want 5s (max cap)", delay)
	}
}

func TestRetryPolicyJitterRange(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Jitter:     1.0,
	})

	delays := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		delay, ok := policy.NextDelay(1, ErrNetwork)
		if !ok {
			t.Fatal("should allow retry")
		}
		delays[delay] = true

		// base*2 = 2s, jitter adds [0, 2s)
		if delay < 2*time.Second || delay >= 4*time.Second {
			t.Errorf("delay %v outside [2s, 4s)", delay)
		}
	}
	if len(delays) < 2 {
		t.Error("jitter should produce varying delays")
	}
}

func TestRetryPolicyScheduleNonDecreasing(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries: 12,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Jitter:     1.0,
	})

	for run := 0; run < 50; run++ {
		var last time.Duration
		for attempt := 0; attempt < 12; attempt++ {
			delay, ok := policy.NextDelay(attempt, ErrNetwork)
			if !ok {
				t.Fatalf("NextDelay(%d) should allow retry", attempt)
			}
			if delay < last {
				t.Fatalf("run %d attempt %d: delay %v < previous %v", run, attempt, delay, last)
			}
			if delay > 2*time.Second {
				t.Fatalf("delay %v exceeds cap", delay)
			}
			last = delay
		}
	}
}

func TestRetryPolicyConfigDefaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries: -1,
		BaseDelay:  0,
		MaxDelay:   0,
		Jitter:     -1,
	})

	if _, ok := policy.NextDelay(0, ErrNetwork); !ok {
		t.Error("policy with default config should allow retry")
	}
	if _, ok := policy.NextDelay(3, ErrNetwork); ok {
		t.Error("policy should respect default max retries of 3")
	}
}

func TestRetryPolicyCustomClassifier(t *testing.T) {
	errFlaky := errors.New("flaky")
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Classify:   func(err error) bool { return errors.Is(err, errFlaky) },
	})

	if _, ok := policy.NextDelay(0, errFlaky); !ok {
		t.Error("custom classifier should allow retry")
	}
	if _, ok := policy.NextDelay(0, ErrNetwork); ok {
		t.Error("custom classifier should reject ErrNetwork")
	}
}

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{429, false},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := &RouterError{Kind: ErrRouter, Status: tt.status}
			if got := IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable(status %d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestRetryStopsOnFatalError(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond})
	fatal := &RouterError{Kind: ErrValidation, Message: "bad prompt"}

	calls := 0
	err := Retry(context.Background(), policy, nil, func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != fatal {
		t.Errorf("Retry() error = %v, want the fatal error unchanged", err)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("max_retries_%d", n), func(t *testing.T) {
			policy := NewRetryPolicy(RetryConfig{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

			var mu sync.Mutex
			var delays []time.Duration
			var last error
			calls := 0

			err := Retry(context.Background(), policy,
				func(attempt int, delay time.Duration, err error) {
					mu.Lock()
					delays = append(delays, delay)
					mu.Unlock()
				},
				func(ctx context.Context, attempt int) error {
					if attempt != calls {
						t.Errorf("attempt = %d, want %d", attempt, calls)
					}
					calls++
					last = &RouterError{Kind: ErrNetwork, Message: fmt.Sprintf("reset %d", attempt)}
					return last
				})

			if calls != n+1 {
				t.Errorf("calls = %d, want %d", calls, n+1)
			}
			if err != last {
				t.Errorf("Retry() error = %v, want last error %v", err, last)
			}
			if len(delays) != n {
				t.Fatalf("retries observed = %d, want %d", len(delays), n)
			}
			for i := 1; i < len(delays); i++ {
				if delays[i] < delays[i-1] {
					t.Errorf("delay[%d] = %v < delay[%d] = %v", i, delays[i], i-1, delays[i-1])
				}
			}
		})
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := Retry(context.Background(), policy, nil, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return &RouterError{Kind: ErrNetwork}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	transient := &RouterError{Kind: ErrNetwork}
	start := time.Now()
	err := Retry(ctx, policy, nil, func(ctx context.Context, attempt int) error {
		return transient
	})

	if err != transient {
		t.Errorf("Retry() error = %v, want last attempt error", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Retry() should stop waiting when the context ends")
	}
}
