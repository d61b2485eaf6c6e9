package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterCapacityPlusOne(t *testing.T) {
	const capacity = 3
	// One token per hour: nothing refills during the test.
	rl := NewRateLimiter(capacity, 1.0/3600)

	var rejected, admitted int
	for i := 0; i < capacity+1; i++ {
		err := rl.AcquireTimeout(context.Background(), 50*time.Millisecond)
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrRateLimited):
			rejected++
		default:
			t.Fatalf("Acquire() unexpected error = %v", err)
		}
	}

	if admitted != capacity {
		t.Errorf("admitted = %d, want %d", admitted, capacity)
	}
	if rejected != 1 {
		t.Errorf("rejected = %d, want 1", rejected)
	}
}

func TestRateLimiterRejectionIsAlsoTimeout(t *testing.T) {
	rl := NewRateLimiter(1, 1.0/3600)
	if !rl.TryAcquire() {
		t.Fatal("first TryAcquire() should succeed")
	}

	err := rl.AcquireTimeout(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want match on ErrTimeout", err)
	}
	if KindOf(err) != ErrRateLimited {
		t.Errorf("KindOf() = %v, want ErrRateLimited", KindOf(err))
	}
	if IsRetryable(err) {
		t.Error("admission failure should not be retryable")
	}
}

func TestRateLimiterBlocksUntilRefill(t *testing.T) {
	// 50 tokens per second: the second token arrives after ~20ms.
	rl := NewRateLimiter(1, 50)
	if err := rl.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	start := time.Now()
	if err := rl.AcquireTimeout(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if waited := time.Since(start); waited < 10*time.Millisecond {
		t.Errorf("second Acquire() returned after %v, expected to wait for refill", waited)
	}
}

func TestRateLimiterCancellationReleasesWaiter(t *testing.T) {
	rl := NewRateLimiter(1, 0.5)
	rl.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.Acquire(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Acquire() should fail after cancellation")
		}
		if errors.Is(err, ErrRateLimited) {
			t.Errorf("cancellation should not report rate limiting, got %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled in chain", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire() did not return after cancellation")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("disabled limiter rejected call %d", i)
		}
	}

	var nilLimiter *RateLimiter
	if err := nilLimiter.Acquire(context.Background()); err != nil {
		t.Errorf("nil limiter Acquire() error = %v", err)
	}
}

func TestRateLimiterConcurrentCallers(t *testing.T) {
	const capacity = 5
	rl := NewRateLimiter(capacity, 1.0/3600)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.AcquireTimeout(context.Background(), 20*time.Millisecond); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != capacity {
		t.Errorf("admitted = %d, want %d", admitted, capacity)
	}
}

func TestNewRateLimiterPerMinute(t *testing.T) {
	rl := NewRateLimiterPerMinute(60, 2)
	if !rl.TryAcquire() || !rl.TryAcquire() {
		t.Fatal("burst of 2 should be admitted")
	}
	if rl.TryAcquire() {
		t.Error("third immediate call should be rejected")
	}
}
