package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

// Transport talks to the router over gRPC. It is safe for concurrent use.
type Transport struct {
	config Config

	mu     sync.Mutex
	conn   *grpc.ClientConn
	closed bool
}

// New creates a gRPC transport with the given options. No connection is
// made until the first call.
func New(opts ...Option) *Transport {
	cfg := Config{
		Addr:      core.DefaultGRPCAddr,
		UserAgent: core.DefaultUserAgent,
		Logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transport{config: cfg}
}

// FromConfig creates a gRPC transport from a router configuration.
func FromConfig(cfg core.RouterConfig, opts ...Option) *Transport {
	cfg = cfg.WithDefaults()
	base := []Option{
		WithAddr(cfg.GRPCAddr),
		WithSecret(cfg.APIKey),
		WithUserAgent(cfg.UserAgent),
	}
	return New(append(base, opts...)...)
}

// Name returns the transport identifier.
func (t *Transport) Name() string {
	return normalize.GRPC
}

// isLocal reports whether addr names the local host.
func isLocal(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// connect returns the shared connection, creating it on first use.
func (t *Transport) connect(op core.Operation) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, &core.RouterError{Kind: core.ErrRouter, Op: string(op), Transport: normalize.GRPC, Cause: core.ErrClientClosed}
	}
	if t.conn != nil {
		return t.conn, nil
	}

	creds := insecure.NewCredentials()
	secure := !t.config.Insecure && !isLocal(t.config.Addr)
	if secure {
		creds = credentials.NewTLS(t.config.TLS)
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if t.config.UserAgent != "" {
		opts = append(opts, grpc.WithUserAgent(t.config.UserAgent))
	}
	opts = append(opts, t.config.DialOptions...)

	conn, err := grpc.NewClient(t.config.Addr, opts...)
	if err != nil {
		return nil, &core.RouterError{Kind: core.ErrValidation, Op: string(op), Transport: normalize.GRPC, Message: "invalid address " + t.config.Addr, Cause: err}
	}
	t.config.Logger.Debug().
		Str("addr", t.config.Addr).
		Bool("tls", secure).
		Msg("grpc client created")
	t.conn = conn
	return conn, nil
}

// outgoing attaches auth and request metadata.
func (t *Transport) outgoing(ctx context.Context, call *core.Call) context.Context {
	kv := make([]string, 0, 4)
	if !t.config.APIKey.IsEmpty() {
		kv = append(kv, "authorization", t.config.APIKey.Bearer())
	}
	if call.RequestID != "" {
		kv = append(kv, "x-request-id", call.RequestID)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

func requestBody(call *core.Call) any {
	if call.Body == nil {
		return struct{}{}
	}
	return call.Body
}

func unsupported(op core.Operation) error {
	return &core.RouterError{Kind: core.ErrRouter, Op: string(op), Transport: normalize.GRPC, Cause: core.ErrNotSupported}
}

// CallUnary invokes a unary service method.
func (t *Transport) CallUnary(ctx context.Context, call *core.Call) (json.RawMessage, error) {
	method, ok := FullMethod(call.Op)
	if !ok || call.Op == core.OpStreamInference {
		return nil, unsupported(call.Op)
	}
	conn, err := t.connect(call.Op)
	if err != nil {
		return nil, err
	}

	var out json.RawMessage
	if err := conn.Invoke(t.outgoing(ctx, call), method, requestBody(call), &out); err != nil {
		return nil, normalize.GRPCError(string(call.Op), err)
	}
	if len(out) == 0 {
		return json.RawMessage("{}"), nil
	}
	return out, nil
}

var streamDesc = &grpc.StreamDesc{StreamName: StreamMethod, ServerStreams: true}

// CallStream opens the server-streaming inference method. It returns once
// the router has accepted the request, so refusals surface here rather
// than on the first Recv.
func (t *Transport) CallStream(ctx context.Context, call *core.Call) (core.RawStream, error) {
	if call.Op != core.OpStreamInference {
		return nil, unsupported(call.Op)
	}
	method, _ := FullMethod(call.Op)
	conn, err := t.connect(call.Op)
	if err != nil {
		return nil, err
	}
	op := string(call.Op)

	ctx, cancel := context.WithCancel(t.outgoing(ctx, call))
	cs, err := conn.NewStream(ctx, streamDesc, method)
	if err != nil {
		cancel()
		return nil, normalize.GRPCError(op, err)
	}
	if err := cs.SendMsg(requestBody(call)); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, normalize.GRPCError(op, err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, normalize.GRPCError(op, err)
	}

	s := &rawStream{cs: cs, cancel: cancel, op: op}
	md, err := cs.Header()
	if err != nil {
		cancel()
		return nil, normalize.GRPCError(op, err)
	}
	if md == nil {
		// The call ended without headers: either a refusal or an empty
		// stream. RecvMsg reports which.
		var first json.RawMessage
		if err := cs.RecvMsg(&first); err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true
				return s, nil
			}
			cancel()
			return nil, normalize.GRPCError(op, err)
		}
		s.pending = first
	}
	return s, nil
}

// Close closes the connection. Later calls fail with core.ErrClientClosed.
// Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Compile-time check that Transport implements core.Transport.
var _ core.Transport = (*Transport)(nil)
