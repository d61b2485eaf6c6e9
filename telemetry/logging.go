package telemetry

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/petal-labs/llmrouter/core"
)

// LogHook writes call lifecycle events to a zerolog logger. Successful
// calls log at debug, retries at warn, failures at error.
type LogHook struct {
	logger zerolog.Logger
}

// NewLogHook returns a hook writing to l.
func NewLogHook(l zerolog.Logger) *LogHook {
	return &LogHook{logger: l}
}

// OnRequestStart implements core.TelemetryHook.
func (h *LogHook) OnRequestStart(e core.RequestStartEvent) {
	h.logger.Debug().
		Str("transport", e.Transport).
		Str("op", string(e.Op)).
		Str("model", string(e.Model)).
		Str("request_id", e.RequestID).
		Msg("request start")
}

// OnRequestEnd implements core.TelemetryHook.
func (h *LogHook) OnRequestEnd(e core.RequestEndEvent) {
	ev := h.logger.Debug()
	if e.Err != nil {
		ev = h.logger.Error().Str("kind", Outcome(e.Err)).Err(e.Err)
	}
	ev.Str("transport", e.Transport).
		Str("op", string(e.Op)).
		Str("model", string(e.Model)).
		Str("request_id", e.RequestID).
		Int("attempts", e.Attempts).
		Dur("duration", e.Duration()).
		Int("total_tokens", e.Usage.TotalTokens).
		Msg("request end")
}

// OnRetry implements core.RetryObserver.
func (h *LogHook) OnRetry(e core.RetryEvent) {
	h.logger.Warn().
		Str("transport", e.Transport).
		Str("op", string(e.Op)).
		Str("request_id", e.RequestID).
		Int("attempt", e.Attempt).
		Dur("backoff", e.Delay).
		Err(e.Err).
		Msg("retry scheduled")
}

// Outcome labels err by kind: "ok", "network", "timeout", "model_not_found",
// "inference", "validation", "rate_limited", "unauthorized" or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch kind := core.KindOf(err); {
	case errors.Is(kind, core.ErrRateLimited):
		return "rate_limited"
	case errors.Is(kind, core.ErrNetwork):
		return "network"
	case errors.Is(kind, core.ErrTimeout):
		return "timeout"
	case errors.Is(kind, core.ErrModelNotFound):
		return "model_not_found"
	case errors.Is(kind, core.ErrInference):
		return "inference"
	case errors.Is(kind, core.ErrValidation):
		return "validation"
	case errors.Is(kind, core.ErrUnauthorized):
		return "unauthorized"
	}
	return "error"
}

var (
	_ core.TelemetryHook = (*LogHook)(nil)
	_ core.RetryObserver = (*LogHook)(nil)
)
