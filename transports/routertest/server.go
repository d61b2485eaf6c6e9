// Package routertest runs an in-process router for tests. One Server
// answers the REST API, the WebSocket endpoint and the gRPC service from
// the same Backend, so every transport can be exercised against identical
// behavior.
//
//	srv := routertest.NewServer(routertest.NewFake())
//	defer srv.Close()
//	t, _ := transports.Create(srv.Config(core.ProtocolGRPC))
package routertest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires every request to carry key as a bearer token.
func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithNDJSON streams REST inference as newline delimited JSON instead of
// Server-Sent Events.
func WithNDJSON() Option {
	return func(s *Server) {
		s.ndjson = true
	}
}

// WithLogger sets the server's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Server is a running fake router.
type Server struct {
	backend Backend
	apiKey  string
	ndjson  bool
	logger  zerolog.Logger

	http    *httptest.Server
	grpc    *grpc.Server
	grpcLis net.Listener

	peersMu sync.Mutex
	peers   map[*peer]struct{}
	rooms   map[string]map[*peer]struct{}

	closeOnce sync.Once
}

// NewServer starts HTTP and gRPC listeners on loopback ports.
func NewServer(b Backend, opts ...Option) *Server {
	s := &Server{
		backend: b,
		logger:  zerolog.Nop(),
		peers:   make(map[*peer]struct{}),
		rooms:   make(map[string]map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	s.mountREST(r)
	r.Get("/ws", s.serveWS)
	s.http = httptest.NewServer(r)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.http.Close()
		panic("routertest: listen: " + err.Error())
	}
	s.grpcLis = lis
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.authUnary),
		grpc.ChainStreamInterceptor(s.authStream),
	)
	s.registerGRPC()
	go func() { _ = s.grpc.Serve(lis) }()
	return s
}

// URL is the HTTP base URL.
func (s *Server) URL() string {
	return s.http.URL
}

// WebSocketURL is the ws:// endpoint.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// GRPCAddr is the gRPC host:port.
func (s *Server) GRPCAddr() string {
	return s.grpcLis.Addr().String()
}

// Config returns a router configuration pointing every protocol at the
// server, with retries and rate limiting disabled.
func (s *Server) Config(p core.Protocol) core.RouterConfig {
	cfg := core.DefaultConfig()
	cfg.BaseURL = s.URL()
	cfg.GRPCAddr = s.GRPCAddr()
	cfg.WebSocketURL = s.WebSocketURL()
	cfg.Protocol = p
	cfg.MaxRetries = 0
	cfg.RateLimit = core.RateLimitConfig{}
	if s.apiKey != "" {
		cfg.APIKey = core.NewSecret(s.apiKey)
	}
	return cfg
}

// Close stops all listeners and drops WebSocket peers.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.DropConnections()
		s.grpc.Stop()
		s.http.Close()
	})
}

func (s *Server) authorized(header string) bool {
	return s.apiKey == "" || header == "Bearer "+s.apiKey
}

func unauthorized() error {
	return &core.RouterError{Kind: core.ErrUnauthorized, Message: "invalid or missing api key"}
}

// errorDetails extracts what a router puts on the wire for err.
func errorDetails(err error) (kind error, message string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrTimeout, "deadline exceeded"
	}
	kind = core.KindOf(err)
	var re *core.RouterError
	if errors.As(err, &re) {
		message = re.Message
		if message == "" && re.Cause != nil {
			message = re.Cause.Error()
		}
	}
	if message == "" {
		message = err.Error()
	}
	return kind, message
}

func decodeInto(op core.Operation, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.ValidationError(string(op), "malformed request: %v", err)
	}
	return nil
}

// handle runs one router operation with a JSON payload. Every protocol
// front end funnels into it.
func (s *Server) handle(ctx context.Context, op core.Operation, data json.RawMessage) (any, error) {
	switch op {
	case core.OpHealth:
		return s.backend.Health(ctx)
	case core.OpStatus:
		return s.backend.Status(ctx)
	case core.OpMetrics:
		return s.backend.Metrics(ctx)
	case core.OpListModels:
		var p struct {
			IncludeUnloaded bool `json:"include_unloaded"`
		}
		if err := decodeInto(op, data, &p); err != nil {
			return nil, err
		}
		models, err := s.backend.ListModels(ctx, p.IncludeUnloaded)
		if err != nil {
			return nil, err
		}
		return map[string]any{"models": models}, nil
	case core.OpGetModel:
		var p struct {
			ModelID core.ModelID `json:"model_id"`
		}
		if err := decodeInto(op, data, &p); err != nil {
			return nil, err
		}
		return s.backend.GetModel(ctx, p.ModelID)
	case core.OpLoadModel:
		var req core.LoadModelRequest
		if err := decodeInto(op, data, &req); err != nil {
			return nil, err
		}
		res, err := s.backend.LoadModel(ctx, req)
		if err == nil && res.Success {
			s.Broadcast(core.EventModelLoaded, res.Model)
		}
		return res, err
	case core.OpUnloadModel:
		var req core.UnloadModelRequest
		if err := decodeInto(op, data, &req); err != nil {
			return nil, err
		}
		res, err := s.backend.UnloadModel(ctx, req)
		if err == nil && res.Success {
			s.Broadcast(core.EventModelUnloaded, map[string]any{"model_id": req.ModelID})
		}
		return res, err
	case core.OpInference:
		var req core.InferenceRequest
		if err := decodeInto(op, data, &req); err != nil {
			return nil, err
		}
		return s.backend.Inference(ctx, req)
	}
	return nil, core.ValidationError(string(op), "unknown request type %q", op)
}

// errorChunk is the in-band form of a mid-stream failure.
func errorChunk(err error) map[string]any {
	kind, msg := errorDetails(err)
	return map[string]any{"error": msg, "code": normalize.ErrorCodeForKind(kind)}
}
