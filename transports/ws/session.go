package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

// session is one live connection and the calls multiplexed over it.
type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	streams map[string]*stream

	failOnce sync.Once
	done     chan struct{}
	err      error
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration) *session {
	return &session{
		conn:         conn,
		writeTimeout: writeTimeout,
		pending:      make(map[string]chan Frame),
		streams:      make(map[string]*stream),
		done:         make(chan struct{}),
	}
}

// alive reports whether the connection is still usable.
func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// write sends one frame.
func (s *session) write(op string, f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteJSON(f); err != nil {
		return normalize.WebSocketError(op, err)
	}
	return nil
}

// fail ends the session. Every waiter observes err through done.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.done)
		_ = s.conn.Close()
	})
}

// failure returns the session error re-tagged for op.
func (s *session) failure(op string) error {
	var re *core.RouterError
	if errors.As(s.err, &re) {
		cp := *re
		cp.Op = op
		return &cp
	}
	return s.err
}

func (s *session) addPending(id string) chan Frame {
	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) addStream(st *stream) {
	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()
}

func (s *session) removeStream(id string) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// route delivers a response or stream frame to its waiter. Frames for
// calls that already gave up are dropped.
func (s *session) route(f Frame) {
	id := f.ID
	if f.Type == FrameStream {
		id = f.StreamID
	}

	s.mu.Lock()
	ch, isPending := s.pending[id]
	if isPending {
		delete(s.pending, id)
	}
	st := s.streams[id]
	s.mu.Unlock()

	switch {
	case isPending && f.Type == FrameResponse:
		ch <- f
	case st != nil:
		st.push(f)
	}
}

// decodeFrame parses one message.
func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
