package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/petal-labs/llmrouter/core"
)

// Logging records every attempt at debug level. Request bodies are never
// logged; they may carry user content.
func Logging(logger zerolog.Logger) Middleware {
	return func(next Handlers) Handlers {
		return Handlers{
			Unary: func(ctx context.Context, call *core.Call) (json.RawMessage, error) {
				start := time.Now()
				raw, err := next.Unary(ctx, call)
				logAttempt(logger, call, "unary", time.Since(start), len(raw), err)
				return raw, err
			},
			Stream: func(ctx context.Context, call *core.Call) (core.RawStream, error) {
				start := time.Now()
				s, err := next.Stream(ctx, call)
				logAttempt(logger, call, "stream", time.Since(start), 0, err)
				return s, err
			},
		}
	}
}

func logAttempt(logger zerolog.Logger, call *core.Call, mode string, d time.Duration, size int, err error) {
	ev := logger.Debug()
	if err != nil {
		ev = ev.Err(err).Str("kind", core.KindOf(err).Error())
	} else if size > 0 {
		ev = ev.Int("bytes", size)
	}
	ev.Str("op", string(call.Op)).
		Str("request_id", call.RequestID).
		Str("mode", mode).
		Dur("duration", d).
		Msg("transport call")
}
