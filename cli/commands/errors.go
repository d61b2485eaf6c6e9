package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petal-labs/llmrouter/core"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitValidation   = 1
	ExitRouter       = 2
	ExitNetwork      = 3
	ExitNotFound     = 4
	ExitUnauthorized = 5
)

// ExitCodeFor maps an error kind to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch core.KindOf(err) {
	case core.ErrValidation:
		return ExitValidation
	case core.ErrNetwork, core.ErrTimeout:
		return ExitNetwork
	case core.ErrModelNotFound:
		return ExitNotFound
	case core.ErrUnauthorized, core.ErrRateLimited:
		return ExitUnauthorized
	}
	return ExitRouter
}

// exitError wraps an error with an exit code.
type exitError struct {
	code     int
	err      error
	reported bool
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func (e *exitError) ExitCode() int {
	return e.code
}

func exitWithCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// report prints err as one line on stderr (or a JSON object with --json)
// and returns it with an exit code attached.
func (a *App) report(err error) error {
	var ee *exitError
	if !errors.As(err, &ee) {
		code := ExitCodeFor(err)
		var re *core.RouterError
		if !errors.As(err, &re) {
			// Flag parsing and other usage errors.
			code = ExitValidation
		}
		ee = &exitError{code: code, err: err}
	}
	if ee.reported {
		return ee
	}
	ee.reported = true

	if a.jsonOutput {
		a.writeErrorJSON(ee.err)
		return ee
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", ee.err)
	return ee
}

func (a *App) writeErrorJSON(err error) {
	body := map[string]any{
		"type":    errorType(err),
		"message": err.Error(),
	}
	var re *core.RouterError
	if errors.As(err, &re) {
		if re.Transport != "" {
			body["transport"] = re.Transport
		}
		if re.RequestID != "" {
			body["request_id"] = re.RequestID
		}
		if re.Status != 0 {
			body["status"] = re.Status
		}
	}
	out, _ := json.Marshal(map[string]any{"error": body})
	fmt.Fprintln(a.stderr, string(out))
}

func errorType(err error) string {
	switch core.KindOf(err) {
	case core.ErrValidation:
		return "validation_error"
	case core.ErrNetwork:
		return "network_error"
	case core.ErrTimeout:
		return "timeout"
	case core.ErrModelNotFound:
		return "model_not_found"
	case core.ErrInference:
		return "inference_error"
	case core.ErrRateLimited:
		return "rate_limited"
	case core.ErrUnauthorized:
		return "unauthorized"
	}
	return "error"
}
