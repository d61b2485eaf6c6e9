package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

// Transport talks to the router's REST API. Connections are opened by the
// HTTP client's pool on first use. It is safe for concurrent use.
type Transport struct {
	config     Config
	client     *http.Client
	ownsClient bool

	closed atomic.Bool
}

// New creates a REST transport with the given options.
func New(opts ...Option) *Transport {
	cfg := Config{
		BaseURL:   core.DefaultBaseURL,
		APIPrefix: DefaultAPIPrefix,
		UserAgent: core.DefaultUserAgent,
		Logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIPrefix != "" && !strings.HasPrefix(cfg.APIPrefix, "/") {
		cfg.APIPrefix = "/" + cfg.APIPrefix
	}
	cfg.APIPrefix = strings.TrimRight(cfg.APIPrefix, "/")

	t := &Transport{config: cfg, client: cfg.HTTPClient}
	if t.client == nil {
		t.client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		t.ownsClient = true
	}
	return t
}

// FromConfig creates a REST transport from a router configuration.
func FromConfig(cfg core.RouterConfig, opts ...Option) *Transport {
	cfg = cfg.WithDefaults()
	base := []Option{
		WithBaseURL(cfg.BaseURL),
		WithSecret(cfg.APIKey),
		WithUserAgent(cfg.UserAgent),
	}
	return New(append(base, opts...)...)
}

// Name returns the transport identifier.
func (t *Transport) Name() string {
	return normalize.HTTP
}

type route struct {
	method string
	path   string
	body   bool
}

// routeFor resolves the endpoint for a call.
func (t *Transport) routeFor(call *core.Call) (route, error) {
	switch call.Op {
	case core.OpHealth:
		return route{http.MethodGet, "/health", false}, nil
	case core.OpStatus:
		return route{http.MethodGet, "/status", false}, nil
	case core.OpMetrics:
		return route{http.MethodGet, "/metrics", false}, nil
	case core.OpListModels:
		path := "/models"
		if v := call.Param("include_unloaded"); v != "" {
			path += "?" + url.Values{"include_unloaded": {v}}.Encode()
		}
		return route{http.MethodGet, path, false}, nil
	case core.OpGetModel:
		id := call.Param("model_id")
		if id == "" {
			return route{}, &core.RouterError{Kind: core.ErrValidation, Cause: core.ErrEmptyModelID}
		}
		return route{http.MethodGet, "/models/" + url.PathEscape(id), false}, nil
	case core.OpLoadModel:
		return route{http.MethodPost, "/models/load", true}, nil
	case core.OpUnloadModel:
		return route{http.MethodPost, "/models/unload", true}, nil
	case core.OpInference:
		return route{http.MethodPost, "/inference", true}, nil
	case core.OpStreamInference:
		return route{http.MethodPost, "/inference/stream", true}, nil
	}
	return route{}, &core.RouterError{Kind: core.ErrRouter, Message: "unknown operation " + string(call.Op), Cause: core.ErrNotSupported}
}

// newRequest builds the HTTP request for a call.
func (t *Transport) newRequest(ctx context.Context, call *core.Call) (*http.Request, error) {
	r, err := t.routeFor(call)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if r.body && call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, &core.RouterError{Kind: core.ErrValidation, Message: "encode request", Cause: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, t.config.BaseURL+t.config.APIPrefix+r.path, body)
	if err != nil {
		return nil, &core.RouterError{Kind: core.ErrValidation, Message: "build request", Cause: err}
	}
	t.setHeaders(req.Header, call)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// setHeaders applies auth, identity and extra headers.
func (t *Transport) setHeaders(h http.Header, call *core.Call) {
	h.Set("Accept", "application/json")
	if t.config.UserAgent != "" {
		h.Set("User-Agent", t.config.UserAgent)
	}
	if !t.config.APIKey.IsEmpty() {
		h.Set("Authorization", t.config.APIKey.Bearer())
	}
	if call.RequestID != "" {
		h.Set("X-Request-ID", call.RequestID)
	}
	for key, values := range t.config.Headers {
		for _, v := range values {
			h.Add(key, v)
		}
	}
}

func (t *Transport) checkOpen(op core.Operation) error {
	if t.closed.Load() {
		return &core.RouterError{Kind: core.ErrRouter, Op: string(op), Transport: normalize.HTTP, Cause: core.ErrClientClosed}
	}
	return nil
}

// do sends req and returns the response when its status is 2xx.
func (t *Transport) do(req *http.Request, call *core.Call) (*http.Response, error) {
	op := string(call.Op)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, normalize.TransportError(normalize.HTTP, op, err)
	}

	t.config.Logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", call.RequestID).
		Int("status", resp.StatusCode).
		Msg("http response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		requestID := resp.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = call.RequestID
		}
		return nil, normalize.HTTPError(op, resp.StatusCode, body, requestID)
	}
	return resp, nil
}

// CallUnary performs a request with a single JSON response.
func (t *Transport) CallUnary(ctx context.Context, call *core.Call) (json.RawMessage, error) {
	if err := t.checkOpen(call.Op); err != nil {
		return nil, err
	}
	req, err := t.newRequest(ctx, call)
	if err != nil {
		return nil, err
	}
	resp, err := t.do(req, call)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, normalize.TransportError(normalize.HTTP, string(call.Op), err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, normalize.DecodeError(normalize.HTTP, string(call.Op), errInvalidJSON)
	}
	return json.RawMessage(data), nil
}

// CallStream opens the streaming endpoint. The body is read lazily by the
// returned stream; ctx governs the connection for the stream's lifetime.
func (t *Transport) CallStream(ctx context.Context, call *core.Call) (core.RawStream, error) {
	if err := t.checkOpen(call.Op); err != nil {
		return nil, err
	}
	if call.Op != core.OpStreamInference {
		return nil, &core.RouterError{Kind: core.ErrRouter, Op: string(call.Op), Transport: normalize.HTTP, Cause: core.ErrNotSupported}
	}
	req, err := t.newRequest(ctx, call)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream, application/x-ndjson")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.do(req, call)
	if err != nil {
		return nil, err
	}
	return newEventStream(resp.Body, string(call.Op)), nil
}

// Close releases idle connections of a transport-owned client. Later
// calls fail with core.ErrClientClosed. Close is idempotent.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.ownsClient {
		t.client.CloseIdleConnections()
	}
	return nil
}

// Compile-time check that Transport implements core.Transport.
var _ core.Transport = (*Transport)(nil)
