package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRouterErrorMessage(t *testing.T) {
	err := &RouterError{
		Kind:      ErrModelNotFound,
		Op:        "inference",
		Transport: "http",
		RequestID: "req_123",
		Status:    404,
		Code:      "model_not_found",
		Message:   "model llama-9 is not loaded",
	}

	msg := err.Error()
	for _, want := range []string{"http", "inference", "model not found", "llama-9", "404", "model_not_found", "req_123"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if strings.Contains(msg, "\n") {
		t.Errorf("Error() should be a single line, got %q", msg)
	}
}

func TestRouterErrorMessageWithoutOptionalFields(t *testing.T) {
	err := &RouterError{Kind: ErrNetwork, Cause: errors.New("dial tcp: connection refused")}

	msg := err.Error()
	if !strings.Contains(msg, "connection refused") {
		t.Errorf("Error() = %q, want cause text", msg)
	}
	if strings.Contains(msg, "request_id") || strings.Contains(msg, "status=") {
		t.Errorf("Error() = %q should omit empty attributes", msg)
	}
}

func TestRouterErrorIsKindAndCause(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("wrapped: %w", &RouterError{Kind: ErrTimeout, Cause: cause})

	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is(err, context.DeadlineExceeded) = false")
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("errors.Is(err, ErrNetwork) = true, want false")
	}

	var re *RouterError
	if !errors.As(err, &re) || re.Kind != ErrTimeout {
		t.Errorf("errors.As() = %v, want timeout RouterError", re)
	}
}

func TestRouterErrorNilKindIsGeneric(t *testing.T) {
	err := &RouterError{Message: "mystery"}
	if !errors.Is(err, ErrRouter) {
		t.Error("RouterError without Kind should match ErrRouter")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"router error", &RouterError{Kind: ErrInference}, ErrInference},
		{"wrapped router error", fmt.Errorf("x: %w", &RouterError{Kind: ErrValidation}), ErrValidation},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"empty prompt", ErrEmptyPrompt, ErrValidation},
		{"plain", errors.New("plain"), ErrRouter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeContextError(t *testing.T) {
	if err := normalizeContextError("op", nil); err != nil {
		t.Errorf("nil error = %v", err)
	}

	timeout := normalizeContextError("inference", context.DeadlineExceeded)
	if !errors.Is(timeout, ErrTimeout) {
		t.Errorf("deadline = %v, want ErrTimeout", timeout)
	}

	canceled := normalizeContextError("inference", context.Canceled)
	if !errors.Is(canceled, ErrRouter) || !errors.Is(canceled, context.Canceled) {
		t.Errorf("canceled = %v, want generic with context.Canceled cause", canceled)
	}

	already := &RouterError{Kind: ErrNetwork}
	if got := normalizeContextError("x", already); got != error(already) {
		t.Errorf("existing RouterError should pass through, got %v", got)
	}
}
