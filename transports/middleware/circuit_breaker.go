package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/petal-labs/llmrouter/core"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation.
	CircuitOpen                         // Failing, reject calls.
	CircuitHalfOpen                     // Probing for recovery.
)

// String returns the string representation of a CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive transient failures before opening.
	SuccessThreshold int           // Successes in half-open to close.
	OpenDuration     time.Duration // How long to stay open.
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	}
}

// ErrCircuitOpen is the cause of calls rejected while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open: too many failures")

// CircuitBreaker stops sending calls to a router that keeps failing.
// Only transient failures (see core.IsRetryable) count against it, so a
// bad request or an unknown model never trips the circuit.
//
// Rejections are generic router errors and are not retried.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker. Non-positive config fields
// take their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// State reports the current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Middleware returns the breaker as transport middleware. Stream
// establishment is guarded; chunks received later are not.
func (b *CircuitBreaker) Middleware() Middleware {
	return func(next Handlers) Handlers {
		return Handlers{
			Unary: func(ctx context.Context, call *core.Call) (json.RawMessage, error) {
				if err := b.admit(call); err != nil {
					return nil, err
				}
				raw, err := next.Unary(ctx, call)
				b.record(err)
				return raw, err
			},
			Stream: func(ctx context.Context, call *core.Call) (core.RawStream, error) {
				if err := b.admit(call); err != nil {
					return nil, err
				}
				s, err := next.Stream(ctx, call)
				b.record(err)
				return s, err
			},
		}
	}
}

// advance moves an expired open circuit to half-open. Callers hold mu.
func (b *CircuitBreaker) advance() {
	if b.state == CircuitOpen && b.now().Sub(b.lastFailure) >= b.cfg.OpenDuration {
		b.state = CircuitHalfOpen
		b.successes = 0
	}
}

func (b *CircuitBreaker) admit(call *core.Call) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.state != CircuitOpen {
		return nil
	}
	return &core.RouterError{
		Kind:      core.ErrRouter,
		Op:        string(call.Op),
		RequestID: call.RequestID,
		Cause:     ErrCircuitOpen,
	}
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		if !core.IsRetryable(err) {
			return
		}
		b.failures++
		b.lastFailure = b.now()
		if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
		}
		return
	}

	if b.state == CircuitHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = CircuitClosed
			b.failures = 0
		}
		return
	}
	b.failures = 0
}
