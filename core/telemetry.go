package core

import "time"

// TelemetryHook receives notifications about call lifecycle events.
// Implementations can use this for logging, metrics, tracing, etc.
//
// # Security Considerations
//
// Events carry operational metadata only: transport, operation, model,
// request ID, timing, attempt counts and token usage. They never include
// the API key, prompt text, or generated text, so they can be logged or
// exported without scrubbing. Keep it that way when adding fields.
type TelemetryHook interface {
	// OnRequestStart is called when a dispatch begins, before admission.
	OnRequestStart(e RequestStartEvent)

	// OnRequestEnd is called when a unary call returns or a stream ends.
	OnRequestEnd(e RequestEndEvent)
}

// RetryObserver is an optional extension of TelemetryHook notified before
// each backoff sleep.
type RetryObserver interface {
	OnRetry(e RetryEvent)
}

// RequestStartEvent contains metadata about a starting call.
type RequestStartEvent struct {
	Transport string    // Transport name (e.g., "http", "grpc", "websocket")
	Op        Operation // Router operation
	Model     ModelID   // Model requested, if any
	RequestID string    // Client-assigned request identifier
	Start     time.Time // When the call started
}

// RequestEndEvent contains metadata about a finished call.
type RequestEndEvent struct {
	Transport string
	Op        Operation
	Model     ModelID
	RequestID string
	Start     time.Time
	End       time.Time
	Attempts  int        // Attempts made, including the first
	Usage     TokenUsage // Token consumption when reported
	Err       error      // Normalized error, nil on success
}

// Duration returns the elapsed time for the call.
func (e RequestEndEvent) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// RetryEvent describes a scheduled retry.
type RetryEvent struct {
	Transport string
	Op        Operation
	RequestID string
	Attempt   int           // Zero-based attempt that failed
	Delay     time.Duration // Backoff before the next attempt
	Err       error         // Error that triggered the retry
}

// NoopTelemetryHook is a no-op implementation of TelemetryHook.
// Use this as a default when no telemetry is configured.
type NoopTelemetryHook struct{}

// OnRequestStart does nothing.
func (NoopTelemetryHook) OnRequestStart(RequestStartEvent) {}

// OnRequestEnd does nothing.
func (NoopTelemetryHook) OnRequestEnd(RequestEndEvent) {}

// Compile-time check that NoopTelemetryHook implements TelemetryHook.
var _ TelemetryHook = NoopTelemetryHook{}

// MultiTelemetryHook fans events out to several hooks in order.
type MultiTelemetryHook []TelemetryHook

// OnRequestStart forwards to every hook.
func (m MultiTelemetryHook) OnRequestStart(e RequestStartEvent) {
	for _, h := range m {
		h.OnRequestStart(e)
	}
}

// OnRequestEnd forwards to every hook.
func (m MultiTelemetryHook) OnRequestEnd(e RequestEndEvent) {
	for _, h := range m {
		h.OnRequestEnd(e)
	}
}

// OnRetry forwards to every hook that observes retries.
func (m MultiTelemetryHook) OnRetry(e RetryEvent) {
	for _, h := range m {
		if ro, ok := h.(RetryObserver); ok {
			ro.OnRetry(e)
		}
	}
}
