package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode selects how a call's response is delivered.
type Mode int

// Dispatch modes.
const (
	ModeUnary Mode = iota
	ModeStream
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "unary"
}

// Result is the outcome of a dispatch: Raw for unary calls, Stream for
// streaming calls.
type Result struct {
	Raw    json.RawMessage
	Stream *InferenceStream
}

// DispatchConfig configures a Dispatcher. Zero values select defaults.
type DispatchConfig struct {
	Limiter   *RateLimiter
	Retry     RetryPolicy
	Timeout   time.Duration
	Telemetry TelemetryHook
	Logger    *zerolog.Logger
}

// Dispatcher runs calls against one transport: admission through the rate
// limiter, the retry loop, then transport I/O. It never inspects which
// transport it holds.
type Dispatcher struct {
	transport Transport
	limiter   *RateLimiter
	retry     RetryPolicy
	timeout   time.Duration
	telemetry TelemetryHook
	logger    zerolog.Logger
}

// NewDispatcher binds a dispatcher to a transport.
func NewDispatcher(t Transport, cfg DispatchConfig) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		limiter:   cfg.Limiter,
		retry:     cfg.Retry,
		timeout:   cfg.Timeout,
		telemetry: cfg.Telemetry,
		logger:    zerolog.Nop(),
	}
	if d.retry == nil {
		d.retry = DefaultRetryPolicy()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.telemetry == nil {
		d.telemetry = NoopTelemetryHook{}
	}
	if cfg.Logger != nil {
		d.logger = *cfg.Logger
	}
	return d
}

// Transport returns the bound transport.
func (d *Dispatcher) Transport() Transport {
	return d.transport
}

// Unary dispatches call and returns the raw response.
func (d *Dispatcher) Unary(ctx context.Context, call *Call) (json.RawMessage, error) {
	res, err := d.Dispatch(ctx, call, ModeUnary)
	return res.Raw, err
}

// Stream dispatches call and returns the open stream.
func (d *Dispatcher) Stream(ctx context.Context, call *Call) (*InferenceStream, error) {
	res, err := d.Dispatch(ctx, call, ModeStream)
	return res.Stream, err
}

// Dispatch runs one call. The call timeout (call.Timeout, else the
// configured timeout) bounds rate-limiter admission and every attempt of a
// unary call; for streams it bounds establishment and each wait for the
// next chunk. Retries cover unary calls and stream establishment only.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call, mode Mode) (Result, error) {
	c := *call
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	timeout := d.timeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}

	start := time.Now()
	d.telemetry.OnRequestStart(RequestStartEvent{
		Transport: d.transport.Name(),
		Op:        c.Op,
		Model:     c.Model,
		RequestID: c.RequestID,
		Start:     start,
	})

	if mode == ModeStream {
		return d.dispatchStream(ctx, &c, timeout, start)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var raw json.RawMessage
	var attempts int
	err := Retry(ctx, d.retry, d.retryHook(&c), func(ctx context.Context, attempt int) error {
		attempts++
		if err := d.limiter.Acquire(ctx); err != nil {
			return err
		}
		d.logger.Debug().
			Str("transport", d.transport.Name()).
			Str("op", string(c.Op)).
			Str("request_id", c.RequestID).
			Int("attempt", attempt).
			Msg("dispatching")
		out, err := d.transport.CallUnary(ctx, &c)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	err = d.annotate(&c, err)
	d.end(&c, start, attempts, nil, err)
	return Result{Raw: raw}, err
}

func (d *Dispatcher) dispatchStream(ctx context.Context, c *Call, timeout time.Duration, start time.Time) (Result, error) {
	// The stream outlives establishment, so its context carries no
	// deadline. A timer bounds establishment instead.
	streamCtx, cancel := context.WithCancel(ctx)
	deadline := start.Add(timeout)
	var expired atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		expired.Store(true)
		cancel()
	})

	var raw RawStream
	var attempts int
	err := Retry(streamCtx, d.retry, d.retryHook(c), func(ctx context.Context, attempt int) error {
		attempts++
		admitCtx, admitCancel := context.WithDeadline(ctx, deadline)
		err := d.limiter.Acquire(admitCtx)
		admitCancel()
		if err != nil {
			return err
		}
		d.logger.Debug().
			Str("transport", d.transport.Name()).
			Str("op", string(c.Op)).
			Str("request_id", c.RequestID).
			Int("attempt", attempt).
			Msg("opening stream")
		s, err := d.transport.CallStream(ctx, c)
		if err != nil {
			return err
		}
		raw = s
		return nil
	})
	timer.Stop()

	if err == nil && expired.Load() {
		_ = raw.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		if expired.Load() && !errors.Is(err, ErrRateLimited) {
			err = &RouterError{Kind: ErrTimeout, Message: "stream not established within " + timeout.String(), Cause: err}
		}
		err = d.annotate(c, err)
		d.end(c, start, attempts, nil, err)
		return Result{}, err
	}

	onEnd := func(usage *TokenUsage, err error) {
		d.end(c, start, attempts, usage, err)
	}
	return Result{Stream: newInferenceStream(raw, cancel, timeout, c, d.transport.Name(), onEnd)}, nil
}

func (d *Dispatcher) retryHook(c *Call) RetryHook {
	ro, _ := d.telemetry.(RetryObserver)
	return func(attempt int, delay time.Duration, err error) {
		d.logger.Warn().
			Str("transport", d.transport.Name()).
			Str("op", string(c.Op)).
			Str("request_id", c.RequestID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("retrying")
		if ro != nil {
			ro.OnRetry(RetryEvent{
				Transport: d.transport.Name(),
				Op:        c.Op,
				RequestID: c.RequestID,
				Attempt:   attempt,
				Delay:     delay,
				Err:       err,
			})
		}
	}
}

// annotate guarantees a *RouterError carrying op, transport and request ID.
func (d *Dispatcher) annotate(c *Call, err error) error {
	if err == nil {
		return nil
	}
	err = normalizeContextError(string(c.Op), err)
	var re *RouterError
	if errors.As(err, &re) {
		if re.Op == "" {
			re.Op = string(c.Op)
		}
		if re.Transport == "" {
			re.Transport = d.transport.Name()
		}
		if re.RequestID == "" {
			re.RequestID = c.RequestID
		}
	}
	return err
}

func (d *Dispatcher) end(c *Call, start time.Time, attempts int, usage *TokenUsage, err error) {
	ev := RequestEndEvent{
		Transport: d.transport.Name(),
		Op:        c.Op,
		Model:     c.Model,
		RequestID: c.RequestID,
		Start:     start,
		End:       time.Now(),
		Attempts:  attempts,
		Err:       err,
	}
	if usage != nil {
		ev.Usage = *usage
	}
	d.telemetry.OnRequestEnd(ev)
}
