package ws

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

// stream buffers frames for one stream_id. The read loop never blocks on
// a slow consumer.
type stream struct {
	sess *session
	id   string
	op   string
	ctx  context.Context

	mu       sync.Mutex
	queue    []Frame
	finished bool
	notify   chan struct{}

	closeOnce sync.Once
}

func newStream(ctx context.Context, sess *session, id, op string) *stream {
	return &stream{
		sess:   sess,
		id:     id,
		op:     op,
		ctx:    ctx,
		notify: make(chan struct{}, 1),
	}
}

func (s *stream) push(f Frame) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops a queued frame.
func (s *stream) next() (Frame, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return Frame{}, false, true
	}
	if len(s.queue) == 0 {
		return Frame{}, false, false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, true, false
}

// Recv returns the next chunk payload. A complete frame yields its chunk
// with is_complete set, then io.EOF. An error response ends the stream.
func (s *stream) Recv() (json.RawMessage, error) {
	for {
		f, ok, finished := s.next()
		if finished {
			return nil, io.EOF
		}
		if ok {
			return s.decode(f)
		}
		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return nil, normalize.TransportError(normalize.WebSocket, s.op, s.ctx.Err())
		case <-s.sess.done:
			if f, ok, _ := s.next(); ok {
				return s.decode(f)
			}
			return nil, s.sess.failure(s.op)
		}
	}
}

func (s *stream) decode(f Frame) (json.RawMessage, error) {
	if f.Type == FrameResponse {
		s.finish()
		if f.Error != "" {
			return nil, normalize.WebSocketFrameError(s.op, f.RequestID, f.Code, f.Error)
		}
		return markComplete(f.Data), nil
	}
	if f.Complete {
		s.finish()
		return markComplete(f.Data), nil
	}
	if len(f.Data) == 0 {
		return json.RawMessage("{}"), nil
	}
	if err := normalize.ChunkError(normalize.WebSocket, s.op, f.Data); err != nil {
		s.finish()
		return nil, err
	}
	return f.Data, nil
}

func (s *stream) finish() {
	s.mu.Lock()
	s.finished = true
	s.queue = nil
	s.mu.Unlock()
}

// Close deregisters the stream and asks the router to stop generating if
// it had not finished.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		finished := s.finished
		s.finished = true
		s.mu.Unlock()

		s.sess.removeStream(s.id)
		if !finished && s.sess.alive() {
			_ = s.sess.write(s.op, Frame{Type: FrameCancel, ID: s.id})
		}
	})
	return nil
}
