package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Batch limits.
const (
	DefaultBatchConcurrency = 5
	MaxBatchConcurrency     = 20
	DefaultBatchTimeout     = 30 * time.Second
)

// BatchRequest is an ordered set of inference requests run together.
type BatchRequest struct {
	Requests      []InferenceRequest
	MaxConcurrent int           // In-flight limit (default 5, at most 20)
	Timeout       time.Duration // Deadline for the whole batch (default 30s)
}

// Validate checks the batch before it runs.
func (b BatchRequest) Validate() error {
	if len(b.Requests) == 0 {
		return &RouterError{Kind: ErrValidation, Op: "batch", Cause: ErrEmptyBatch}
	}
	if b.MaxConcurrent < 0 || b.MaxConcurrent > MaxBatchConcurrency {
		return ValidationError("batch", "max_concurrent must be in [1, %d], got %d", MaxBatchConcurrency, b.MaxConcurrent)
	}
	if b.Timeout < 0 {
		return ValidationError("batch", "timeout must be positive, got %s", b.Timeout)
	}
	for i, r := range b.Requests {
		if err := r.Validate(); err != nil {
			return ValidationError("batch", "request %d: %v", i, err)
		}
	}
	return nil
}

// BatchItem is the outcome for one request. Exactly one of Response and
// Err is set.
type BatchItem struct {
	Index    int
	Response *InferenceResponse
	Err      error
	Latency  time.Duration
}

// BatchResult holds one item per request, in request order.
type BatchResult struct {
	Items          []BatchItem
	Total          int
	Successful     int
	Failed         int
	TotalTime      time.Duration
	AverageLatency time.Duration
}

// Responses returns the response slots in request order; failed slots are nil.
func (r *BatchResult) Responses() []*InferenceResponse {
	out := make([]*InferenceResponse, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.Response
	}
	return out
}

// Errors returns the error slots in request order; successful slots are nil.
func (r *BatchResult) Errors() []error {
	out := make([]error, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.Err
	}
	return out
}

// BatchFunc dispatches one request of a batch.
type BatchFunc func(ctx context.Context, req InferenceRequest) (*InferenceResponse, error)

// RunBatch runs fn over requests with at most maxConcurrent calls in
// flight. Results keep input order. When the batch deadline passes, every
// slot that has not completed is marked with a timeout error and RunBatch
// returns without waiting for stragglers. A failed request never cancels
// its siblings.
func RunBatch(ctx context.Context, requests []InferenceRequest, maxConcurrent int, timeout time.Duration, fn BatchFunc) *BatchResult {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultBatchConcurrency
	}
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n := len(requests)
	items := make([]BatchItem, n)
	completed := make([]bool, n)
	for i := range items {
		items[i].Index = i
	}

	var mu sync.Mutex
	closed := false
	record := func(i int, resp *InferenceResponse, err error, latency time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		items[i] = BatchItem{Index: i, Response: resp, Err: slotError(ctx, err), Latency: latency}
		completed[i] = true
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var g errgroup.Group
	for i, req := range requests {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			began := time.Now()
			resp, err := fn(ctx, req)
			if err == nil && resp == nil {
				err = &RouterError{Kind: ErrRouter, Op: "batch", Message: "empty response"}
			}
			if err != nil {
				resp = nil
			}
			record(i, resp, err, time.Since(began))
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	for i := range items {
		if !completed[i] {
			items[i] = BatchItem{Index: i, Err: batchContextError(ctx, ctx.Err())}
		}
	}
	mu.Unlock()

	res := &BatchResult{Items: items, Total: n, TotalTime: time.Since(start)}
	var latency time.Duration
	for _, it := range items {
		if it.Err == nil {
			res.Successful++
			latency += it.Latency
		} else {
			res.Failed++
		}
	}
	if res.Successful > 0 {
		res.AverageLatency = latency / time.Duration(res.Successful)
	}
	return res
}

// slotError is the error recorded for a finished slot. Only failures caused
// by the done batch context are relabeled; a router answer that lands at the
// deadline keeps its kind.
func slotError(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return batchContextError(ctx, err)
}

// batchContextError marks a slot cut short by the batch context.
func batchContextError(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if errors.Is(cause, ErrTimeout) {
			return cause
		}
		return &RouterError{Kind: ErrTimeout, Op: "batch", Message: "batch deadline exceeded", Cause: cause}
	}
	return &RouterError{Kind: ErrRouter, Op: "batch", Message: "batch canceled", Cause: cause}
}
