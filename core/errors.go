package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error surfaced by the client is a *RouterError whose
// Kind is one of these sentinels, so callers classify with errors.Is.
var (
	ErrRouter        = errors.New("router error")
	ErrNetwork       = errors.New("network error")
	ErrTimeout       = errors.New("timeout")
	ErrModelNotFound = errors.New("model not found")
	ErrInference     = errors.New("inference error")
	ErrValidation    = errors.New("validation error")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Usage errors returned before anything is dispatched.
var (
	ErrNotSupported  = errors.New("operation not supported")
	ErrClientClosed  = errors.New("client closed")
	ErrEmptyPrompt   = errors.New("empty prompt: pass non-empty text to Client.Infer()")
	ErrEmptyModelID  = errors.New("model id required")
	ErrEmptySource   = errors.New("model source required: pass a path or URI to Client.LoadModel()")
	ErrEmptyBatch    = errors.New("batch has no requests")
	ErrNoChatHistory = errors.New("no messages: pass at least one ChatMessage to Client.ChatCompletion()")
)

// RouterError carries the context needed to log or display a failure
// without further lookup.
type RouterError struct {
	Kind      error
	Op        string
	Transport string
	RequestID string
	Status    int
	Code      string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	var b strings.Builder
	if e.Transport != "" {
		b.WriteString(e.Transport)
		b.WriteString(" ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	kind := e.Kind
	if kind == nil {
		kind = ErrRouter
	}
	b.WriteString(kind.Error())

	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" && msg != kind.Error() {
		b.WriteString(": ")
		b.WriteString(msg)
	}

	var attrs []string
	if e.Status != 0 {
		attrs = append(attrs, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		attrs = append(attrs, "code="+e.Code)
	}
	if e.RequestID != "" {
		attrs = append(attrs, "request_id="+e.RequestID)
	}
	if len(attrs) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(attrs, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *RouterError) Unwrap() []error {
	kind := e.Kind
	if kind == nil {
		kind = ErrRouter
	}
	if e.Cause == nil {
		return []error{kind}
	}
	return []error{kind, e.Cause}
}

// KindOf returns the kind sentinel of err, or nil if err is nil.
// Errors that did not pass through the normalizer report ErrRouter.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var re *RouterError
	if errors.As(err, &re) && re.Kind != nil {
		return re.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyPrompt),
		errors.Is(err, ErrEmptyModelID), errors.Is(err, ErrEmptySource),
		errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrNoChatHistory):
		return ErrValidation
	}
	return ErrRouter
}

// IsRetryable reports whether err is a transient failure worth another
// attempt: network faults, timeouts, and server-side (5xx) failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrValidation),
		errors.Is(err, ErrModelNotFound), errors.Is(err, ErrUnauthorized):
		return false
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrTimeout), errors.Is(err, ErrInference):
		return true
	}
	var re *RouterError
	if errors.As(err, &re) {
		return re.Status >= 500 && re.Status <= 599
	}
	return false
}

// NewError builds a RouterError of the given kind.
func NewError(kind error, op, message string) *RouterError {
	return &RouterError{Kind: kind, Op: op, Message: message}
}

// ValidationError reports a request rejected before dispatch.
func ValidationError(op, format string, args ...any) *RouterError {
	return &RouterError{Kind: ErrValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// normalizeContextError converts a bare context error into a RouterError.
// Deadline expiry is a timeout, cancellation stays generic.
func normalizeContextError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RouterError
	if errors.As(err, &re) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &RouterError{Kind: ErrTimeout, Op: op, Message: "deadline exceeded", Cause: err}
	case errors.Is(err, context.Canceled):
		return &RouterError{Kind: ErrRouter, Op: op, Message: "canceled", Cause: err}
	}
	return &RouterError{Kind: ErrRouter, Op: op, Cause: err}
}
