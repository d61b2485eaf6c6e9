package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

// Transport multiplexes router calls over one WebSocket connection. It is
// safe for concurrent use.
type Transport struct {
	config Config

	mu      sync.Mutex
	sess    *session
	dialing *dialAttempt
	closed  bool

	nextID atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[string]map[uint64]core.EventHandler
	handlerSeq uint64
}

// New creates a WebSocket transport. No connection is made until the
// first call.
func New(opts ...Option) *Transport {
	cfg := Config{
		URL:          core.DeriveWebSocketURL(core.DefaultBaseURL),
		UserAgent:    core.DefaultUserAgent,
		Dialer:       websocket.DefaultDialer,
		PingInterval: DefaultPingInterval,
		PongWait:     DefaultPongWait,
		WriteTimeout: DefaultWriteTimeout,
		Logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Transport{
		config:   cfg,
		handlers: make(map[string]map[uint64]core.EventHandler),
	}
}

// FromConfig creates a WebSocket transport from a router configuration.
func FromConfig(cfg core.RouterConfig, opts ...Option) *Transport {
	cfg = cfg.WithDefaults()
	base := []Option{
		WithURL(cfg.WebSocketURL),
		WithSecret(cfg.APIKey),
		WithUserAgent(cfg.UserAgent),
	}
	return New(append(base, opts...)...)
}

// Name returns the transport identifier.
func (t *Transport) Name() string {
	return normalize.WebSocket
}

// Connect dials the router if no connection is open.
func (t *Transport) Connect(ctx context.Context) error {
	_, err := t.connect(ctx, "connect")
	return err
}

// dialAttempt is one in-flight handshake shared by every caller that needs
// a connection while it runs.
type dialAttempt struct {
	done chan struct{}
	sess *session
	err  error
}

// connect returns the live session, dialing when there is none. The
// handshake runs outside t.mu; callers wait for it or for their own
// context, whichever ends first.
func (t *Transport) connect(ctx context.Context, op string) (*session, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, closedError(op)
	}
	if t.sess != nil && t.sess.alive() {
		sess := t.sess
		t.mu.Unlock()
		return sess, nil
	}
	d := t.dialing
	if d == nil {
		d = &dialAttempt{done: make(chan struct{})}
		t.dialing = d
		go t.dial(ctx, op, d)
	}
	t.mu.Unlock()

	select {
	case <-d.done:
		return d.sess, d.err
	case <-ctx.Done():
		return nil, normalize.TransportError(normalize.WebSocket, op, ctx.Err())
	}
}

// dial performs the handshake for d. It outlives the caller that started
// it, bounded by the dialer's handshake timeout.
func (t *Transport) dial(parent context.Context, op string, d *dialAttempt) {
	timeout := t.config.Dialer.HandshakeTimeout
	if timeout <= 0 {
		timeout = core.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	header := http.Header{}
	for key, values := range t.config.Headers {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	if !t.config.APIKey.IsEmpty() {
		header.Set("Authorization", t.config.APIKey.Bearer())
	}
	if t.config.UserAgent != "" {
		header.Set("User-Agent", t.config.UserAgent)
	}

	conn, resp, err := t.config.Dialer.DialContext(ctx, t.config.URL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	defer close(d.done)
	t.dialing = nil

	switch {
	case t.closed:
		if conn != nil {
			_ = conn.Close()
		}
		d.err = closedError(op)
		return
	case err != nil:
		d.err = normalize.HandshakeError(op, resp, err)
		return
	}

	sess := newSession(conn, t.config.WriteTimeout)
	if t.config.PingInterval > 0 {
		wait := t.config.PingInterval + t.config.PongWait
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go t.pingLoop(sess)
	}
	go t.readLoop(sess)

	t.config.Logger.Debug().Str("url", redactURL(t.config.URL)).Msg("websocket connected")
	t.sess = sess
	d.sess = sess
}

func closedError(op string) error {
	return &core.RouterError{Kind: core.ErrRouter, Op: op, Transport: normalize.WebSocket, Cause: core.ErrClientClosed}
}

// readLoop routes incoming frames until the connection fails.
func (t *Transport) readLoop(sess *session) {
	wait := t.config.PingInterval + t.config.PongWait
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.fail(normalize.WebSocketError("receive", err))
			t.config.Logger.Debug().Err(err).Msg("websocket read loop stopped")
			return
		}
		if t.config.PingInterval > 0 {
			_ = sess.conn.SetReadDeadline(time.Now().Add(wait))
		}

		f, err := decodeFrame(data)
		if err != nil {
			t.config.Logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		switch f.Type {
		case FrameResponse, FrameStream:
			sess.route(f)
		case FrameEvent:
			t.dispatchEvent(core.Event{Name: f.Event, Data: f.Data})
		default:
			t.config.Logger.Debug().Str("type", f.Type).Msg("ignoring frame")
		}
	}
}

func (t *Transport) pingLoop(sess *session) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.config.WriteTimeout)
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				sess.fail(normalize.WebSocketError("ping", err))
				return
			}
		}
	}
}

func (t *Transport) newID() string {
	return strconv.FormatUint(t.nextID.Add(1), 10)
}

// roundTrip sends a request frame and waits for its response.
func (t *Transport) roundTrip(ctx context.Context, requestType, requestID string, body any) (json.RawMessage, error) {
	sess, err := t.connect(ctx, requestType)
	if err != nil {
		return nil, err
	}
	data, err := marshalBody(requestType, body)
	if err != nil {
		return nil, err
	}

	id := t.newID()
	ch := sess.addPending(id)
	f := Frame{Type: FrameRequest, ID: id, RequestType: requestType, RequestID: requestID, Data: data}
	if err := sess.write(requestType, f); err != nil {
		sess.removePending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			rid := resp.RequestID
			if rid == "" {
				rid = requestID
			}
			return nil, normalize.WebSocketFrameError(requestType, rid, resp.Code, resp.Error)
		}
		if len(resp.Data) == 0 {
			return json.RawMessage("{}"), nil
		}
		return resp.Data, nil
	case <-ctx.Done():
		sess.removePending(id)
		if sess.alive() {
			_ = sess.write(requestType, Frame{Type: FrameCancel, ID: id})
		}
		return nil, normalize.TransportError(normalize.WebSocket, requestType, ctx.Err())
	case <-sess.done:
		return nil, sess.failure(requestType)
	}
}

func marshalBody(op string, body any) (json.RawMessage, error) {
	if body == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &core.RouterError{Kind: core.ErrValidation, Op: op, Transport: normalize.WebSocket, Message: "encode request", Cause: err}
	}
	return data, nil
}

// CallUnary performs a request/response exchange.
func (t *Transport) CallUnary(ctx context.Context, call *core.Call) (json.RawMessage, error) {
	if call.Op == core.OpStreamInference {
		return nil, &core.RouterError{Kind: core.ErrRouter, Op: string(call.Op), Transport: normalize.WebSocket, Cause: core.ErrNotSupported}
	}
	return t.roundTrip(ctx, string(call.Op), call.RequestID, call.Body)
}

// CallStream sends a stream request. Chunks are routed to the returned
// stream by stream_id; ctx bounds the stream's lifetime.
func (t *Transport) CallStream(ctx context.Context, call *core.Call) (core.RawStream, error) {
	op := string(call.Op)
	if call.Op != core.OpStreamInference {
		return nil, &core.RouterError{Kind: core.ErrRouter, Op: op, Transport: normalize.WebSocket, Cause: core.ErrNotSupported}
	}
	sess, err := t.connect(ctx, op)
	if err != nil {
		return nil, err
	}
	data, err := marshalBody(op, call.Body)
	if err != nil {
		return nil, err
	}

	id := t.newID()
	st := newStream(ctx, sess, id, op)
	sess.addStream(st)
	f := Frame{
		Type:        FrameStreamRequest,
		ID:          id,
		RequestType: string(core.OpInference),
		RequestID:   call.RequestID,
		Data:        data,
	}
	if err := sess.write(op, f); err != nil {
		sess.removeStream(id)
		return nil, err
	}
	return st, nil
}

// Subscribe registers handler for a push event. Handlers run on the read
// loop and must not block.
func (t *Transport) Subscribe(event string, handler core.EventHandler) (unsubscribe func()) {
	t.handlersMu.Lock()
	t.handlerSeq++
	id := t.handlerSeq
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[uint64]core.EventHandler)
	}
	t.handlers[event][id] = handler
	t.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.handlersMu.Lock()
			delete(t.handlers[event], id)
			t.handlersMu.Unlock()
		})
	}
}

func (t *Transport) dispatchEvent(ev core.Event) {
	t.handlersMu.RLock()
	hs := make([]core.EventHandler, 0, len(t.handlers[ev.Name]))
	for _, h := range t.handlers[ev.Name] {
		hs = append(hs, h)
	}
	t.handlersMu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}

// JoinRoom subscribes the connection to room. Messages sent to the room
// arrive as core.EventRoomMessage events.
func (t *Transport) JoinRoom(ctx context.Context, room string) error {
	_, err := t.roundTrip(ctx, RequestJoinRoom, "", RoomRequest{Room: room})
	return err
}

// LeaveRoom unsubscribes the connection from room.
func (t *Transport) LeaveRoom(ctx context.Context, room string) error {
	_, err := t.roundTrip(ctx, RequestLeaveRoom, "", RoomRequest{Room: room})
	return err
}

// SendToRoom broadcasts message to every member of room.
func (t *Transport) SendToRoom(ctx context.Context, room string, message any) error {
	_, err := t.roundTrip(ctx, RequestSendToRoom, "", RoomRequest{Room: room, Message: message})
	return err
}

// Close closes the connection and fails every pending call with
// core.ErrNetwork. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()

	if sess == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	sess.fail(&core.RouterError{
		Kind:      core.ErrNetwork,
		Transport: normalize.WebSocket,
		Message:   "connection closed",
		Cause:     core.ErrClientClosed,
	})
	return nil
}

// redactURL drops userinfo and query from u for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

var (
	_ core.Transport   = (*Transport)(nil)
	_ core.EventSource = (*Transport)(nil)
)
