// Package normalize maps transport-native failures onto the core error
// taxonomy. Every mapping is a pure function of the native signal.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/petal-labs/llmrouter/core"
)

// Transport names used in errors.
const (
	HTTP      = "http"
	GRPC      = "grpc"
	WebSocket = "websocket"
)

// KindForStatus maps an HTTP status code to a core error kind.
func KindForStatus(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return core.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.ErrUnauthorized
	case http.StatusNotFound:
		return core.ErrModelNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return core.ErrTimeout
	case http.StatusTooManyRequests:
		return core.ErrRateLimited
	case http.StatusInternalServerError:
		return core.ErrInference
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return core.ErrNetwork
	}
	if status > 500 && status <= 599 {
		return core.ErrInference
	}
	return core.ErrRouter
}

// KindForCode maps a gRPC status code to a core error kind.
func KindForCode(code codes.Code) error {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.AlreadyExists:
		return core.ErrValidation
	case codes.NotFound:
		return core.ErrModelNotFound
	case codes.DeadlineExceeded:
		return core.ErrTimeout
	case codes.Unavailable, codes.Aborted:
		return core.ErrNetwork
	case codes.ResourceExhausted:
		return core.ErrRateLimited
	case codes.Unauthenticated, codes.PermissionDenied:
		return core.ErrUnauthorized
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return core.ErrInference
	}
	return core.ErrRouter
}

// KindForCloseCode maps a WebSocket close code to a core error kind.
func KindForCloseCode(code int) error {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
		websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
		return core.ErrNetwork
	case websocket.CloseInvalidFramePayloadData, websocket.CloseMessageTooBig:
		return core.ErrValidation
	case websocket.ClosePolicyViolation:
		return core.ErrUnauthorized
	case websocket.CloseInternalServerErr:
		return core.ErrInference
	}
	return core.ErrRouter
}

// Error codes carried in WebSocket error frames and error bodies.
const (
	CodeValidation    = "validation_error"
	CodeModelNotFound = "model_not_found"
	CodeInference     = "inference_error"
	CodeRateLimited   = "rate_limited"
	CodeUnauthorized  = "unauthorized"
	CodeTimeout       = "timeout"
	CodeNetwork       = "network_error"
)

// KindForErrorCode maps an in-band error code to a core error kind.
func KindForErrorCode(code string) error {
	switch strings.ToLower(code) {
	case CodeValidation:
		return core.ErrValidation
	case CodeModelNotFound:
		return core.ErrModelNotFound
	case CodeInference:
		return core.ErrInference
	case CodeRateLimited:
		return core.ErrRateLimited
	case CodeUnauthorized:
		return core.ErrUnauthorized
	case CodeTimeout:
		return core.ErrTimeout
	case CodeNetwork:
		return core.ErrNetwork
	}
	return core.ErrRouter
}

// ErrorCodeForKind is the inverse of KindForErrorCode.
func ErrorCodeForKind(kind error) string {
	switch kind {
	case core.ErrValidation:
		return CodeValidation
	case core.ErrModelNotFound:
		return CodeModelNotFound
	case core.ErrInference:
		return CodeInference
	case core.ErrRateLimited:
		return CodeRateLimited
	case core.ErrUnauthorized:
		return CodeUnauthorized
	case core.ErrTimeout:
		return CodeTimeout
	case core.ErrNetwork:
		return CodeNetwork
	}
	return "error"
}

// StatusForKind returns the HTTP status a router answers with for kind.
func StatusForKind(kind error) int {
	switch kind {
	case core.ErrValidation:
		return http.StatusBadRequest
	case core.ErrUnauthorized:
		return http.StatusUnauthorized
	case core.ErrModelNotFound:
		return http.StatusNotFound
	case core.ErrTimeout:
		return http.StatusGatewayTimeout
	case core.ErrRateLimited:
		return http.StatusTooManyRequests
	case core.ErrInference:
		return http.StatusInternalServerError
	case core.ErrNetwork:
		return http.StatusServiceUnavailable
	}
	return http.StatusConflict
}

// CodeForKind returns the gRPC status code a router answers with for kind.
func CodeForKind(kind error) codes.Code {
	switch kind {
	case core.ErrValidation:
		return codes.InvalidArgument
	case core.ErrUnauthorized:
		return codes.Unauthenticated
	case core.ErrModelNotFound:
		return codes.NotFound
	case core.ErrTimeout:
		return codes.DeadlineExceeded
	case core.ErrRateLimited:
		return codes.ResourceExhausted
	case core.ErrInference:
		return codes.Internal
	case core.ErrNetwork:
		return codes.Unavailable
	}
	return codes.Unimplemented
}

// errorBody accepts the envelopes routers commonly return:
// {"error":"...","code":"..."}, {"error":{"message":"...","code":"..."}},
// and {"detail":"..."}. Code may be a string or a number.
type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

// rawString renders a JSON string or number as text.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

func parseErrorBody(body []byte) (message, code string) {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return strings.TrimSpace(string(body)), ""
	}
	code = rawString(eb.Code)
	message = eb.Message
	if len(eb.Error) > 0 {
		var s string
		if json.Unmarshal(eb.Error, &s) == nil {
			message = s
		} else {
			var nested struct {
				Message string          `json:"message"`
				Code    json.RawMessage `json:"code"`
				Type    string          `json:"type"`
			}
			if json.Unmarshal(eb.Error, &nested) == nil {
				message = nested.Message
				if code == "" {
					code = rawString(nested.Code)
				}
				if code == "" {
					code = nested.Type
				}
			}
		}
	}
	if message == "" && len(eb.Detail) > 0 {
		var s string
		if json.Unmarshal(eb.Detail, &s) == nil {
			message = s
		} else {
			message = string(eb.Detail)
		}
	}
	return message, code
}

// HTTPError builds the error for a non-2xx HTTP response.
func HTTPError(op string, status int, body []byte, requestID string) error {
	message, code := parseErrorBody(body)
	if message == "" {
		message = http.StatusText(status)
	}
	return &core.RouterError{
		Kind:      KindForStatus(status),
		Op:        op,
		Transport: HTTP,
		RequestID: requestID,
		Status:    status,
		Code:      code,
		Message:   message,
	}
}

// GRPCError converts an error returned by a gRPC call.
func GRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRouterError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TransportError(GRPC, op, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return TransportError(GRPC, op, err)
	}
	return &core.RouterError{
		Kind:      KindForCode(st.Code()),
		Op:        op,
		Transport: GRPC,
		Code:      st.Code().String(),
		Message:   st.Message(),
		Cause:     err,
	}
}

// WebSocketError converts a connection-level WebSocket failure.
func WebSocketError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRouterError(err) {
		return err
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &core.RouterError{
			Kind:      KindForCloseCode(ce.Code),
			Op:        op,
			Transport: WebSocket,
			Code:      closeCodeName(ce.Code),
			Message:   ce.Text,
			Cause:     err,
		}
	}
	return TransportError(WebSocket, op, err)
}

// WebSocketFrameError converts an error frame sent by the router.
func WebSocketFrameError(op, requestID, code, message string) error {
	return &core.RouterError{
		Kind:      KindForErrorCode(code),
		Op:        op,
		Transport: WebSocket,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	}
}

// HandshakeError converts a failed WebSocket dial. When the server
// answered, its HTTP status decides the kind.
func HandshakeError(op string, resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode >= 300 {
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		}
		he := HTTPError(op, resp.StatusCode, body, "").(*core.RouterError)
		he.Transport = WebSocket
		he.Cause = err
		return he
	}
	return TransportError(WebSocket, op, err)
}

// TransportError classifies an I/O failure: deadlines and network
// timeouts become ErrTimeout, cancellation stays generic, and everything
// else (refused, reset, EOF) is ErrNetwork.
func TransportError(transport, op string, err error) error {
	if err == nil {
		return nil
	}
	if isRouterError(err) {
		return err
	}
	re := &core.RouterError{Op: op, Transport: transport, Cause: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		re.Kind = core.ErrTimeout
		re.Message = "deadline exceeded"
	case errors.Is(err, context.Canceled):
		re.Kind = core.ErrRouter
		re.Message = "canceled"
	case errors.As(err, &netErr) && netErr.Timeout():
		re.Kind = core.ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		re.Kind = core.ErrNetwork
		re.Message = "connection refused"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		re.Kind = core.ErrNetwork
		re.Message = "connection closed"
	default:
		re.Kind = core.ErrNetwork
	}
	return re
}

// ChunkError reports the in-band error carried by a stream chunk payload,
// or nil when the payload is an ordinary chunk. The code field selects the
// kind through KindForErrorCode; a chunk error without a code is an
// inference failure.
func ChunkError(transport, op string, payload []byte) error {
	var head struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(payload, &head) != nil {
		return nil
	}
	switch strings.TrimSpace(string(head.Error)) {
	case "", "null", `""`, "false":
		return nil
	}
	message, code := parseErrorBody(payload)
	kind := core.ErrInference
	if code != "" {
		kind = KindForErrorCode(code)
	}
	return &core.RouterError{
		Kind:      kind,
		Op:        op,
		Transport: transport,
		Code:      code,
		Message:   message,
	}
}

// DecodeError wraps an undecodable payload.
func DecodeError(transport, op string, err error) error {
	return &core.RouterError{
		Kind:      core.ErrValidation,
		Op:        op,
		Transport: transport,
		Message:   "decode response",
		Cause:     err,
	}
}

func isRouterError(err error) bool {
	var re *core.RouterError
	return errors.As(err, &re)
}

func closeCodeName(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "normal_closure"
	case websocket.CloseGoingAway:
		return "going_away"
	case websocket.CloseAbnormalClosure:
		return "abnormal_closure"
	case websocket.CloseInvalidFramePayloadData:
		return "invalid_payload"
	case websocket.ClosePolicyViolation:
		return "policy_violation"
	case websocket.CloseMessageTooBig:
		return "message_too_big"
	case websocket.CloseInternalServerErr:
		return "internal_error"
	case websocket.CloseServiceRestart:
		return "service_restart"
	case websocket.CloseTryAgainLater:
		return "try_again_later"
	}
	return "close_" + strconv.Itoa(code)
}
