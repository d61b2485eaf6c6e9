// Package middleware wraps a core.Transport with cross-cutting behavior
// such as call logging and circuit breaking.
//
// Middleware sees every attempt the dispatcher makes, after rate limiting
// and inside the retry loop:
//
//	t := middleware.Wrap(rest.New(rest.WithBaseURL(baseURL)),
//		middleware.Logging(logger),
//		middleware.NewCircuitBreaker(middleware.DefaultCircuitBreakerConfig()).Middleware(),
//	)
//	client := core.NewClient(t)
package middleware

import (
	"context"
	"encoding/json"

	"github.com/petal-labs/llmrouter/core"
)

// UnaryFunc performs one unary attempt.
type UnaryFunc func(ctx context.Context, call *core.Call) (json.RawMessage, error)

// StreamFunc opens one stream.
type StreamFunc func(ctx context.Context, call *core.Call) (core.RawStream, error)

// Handlers is the pair of call paths a middleware wraps.
type Handlers struct {
	Unary  UnaryFunc
	Stream StreamFunc
}

// Middleware wraps the next handlers in the chain and returns new ones.
type Middleware func(next Handlers) Handlers

// Chain combines middleware into one. The first middleware is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handlers) Handlers {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Only applies mw to the listed operations and passes others through.
func Only(mw Middleware, ops ...core.Operation) Middleware {
	match := make(map[core.Operation]bool, len(ops))
	for _, op := range ops {
		match[op] = true
	}
	return func(next Handlers) Handlers {
		wrapped := mw(next)
		return Handlers{
			Unary: func(ctx context.Context, call *core.Call) (json.RawMessage, error) {
				if match[call.Op] {
					return wrapped.Unary(ctx, call)
				}
				return next.Unary(ctx, call)
			},
			Stream: func(ctx context.Context, call *core.Call) (core.RawStream, error) {
				if match[call.Op] {
					return wrapped.Stream(ctx, call)
				}
				return next.Stream(ctx, call)
			},
		}
	}
}

// Wrap returns t with middlewares applied. The result implements
// core.EventSource exactly when t does.
func Wrap(t core.Transport, middlewares ...Middleware) core.Transport {
	if len(middlewares) == 0 {
		return t
	}
	h := Chain(middlewares...)(Handlers{Unary: t.CallUnary, Stream: t.CallStream})
	w := &transport{inner: t, h: h}
	if src, ok := t.(core.EventSource); ok {
		return &eventTransport{transport: w, src: src}
	}
	return w
}

type transport struct {
	inner core.Transport
	h     Handlers
}

func (t *transport) Name() string { return t.inner.Name() }

func (t *transport) CallUnary(ctx context.Context, call *core.Call) (json.RawMessage, error) {
	return t.h.Unary(ctx, call)
}

func (t *transport) CallStream(ctx context.Context, call *core.Call) (core.RawStream, error) {
	return t.h.Stream(ctx, call)
}

func (t *transport) Close() error { return t.inner.Close() }

// Unwrap returns the wrapped transport.
func (t *transport) Unwrap() core.Transport { return t.inner }

type eventTransport struct {
	*transport
	src core.EventSource
}

func (t *eventTransport) Subscribe(event string, handler core.EventHandler) func() {
	return t.src.Subscribe(event, handler)
}
