package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// InferenceStream is a lazy, single-pass sequence of chunks for one request.
// Each Recv pulls the next chunk from the transport.
//
// Stream rules:
//   - Exactly one chunk with IsComplete is returned, as the last chunk,
//     after which Recv returns io.EOF.
//   - Otherwise the stream ends with a non-EOF *RouterError; a server that
//     hangs up early is reported as ErrNetwork, never as a clean end.
//   - Close may be called at any time, from any goroutine, and aborts the
//     underlying transport stream.
type InferenceStream struct {
	raw       RawStream
	cancel    context.CancelFunc
	idle      time.Duration
	op        string
	transport string
	requestID string
	onEnd     func(*TokenUsage, error)

	idleFired atomic.Bool
	closed    atomic.Bool
	release   sync.Once

	mu    sync.Mutex
	index int
	done  bool
	err   error
}

func newInferenceStream(raw RawStream, cancel context.CancelFunc, idle time.Duration, call *Call, transport string, onEnd func(*TokenUsage, error)) *InferenceStream {
	return &InferenceStream{
		raw:       raw,
		cancel:    cancel,
		idle:      idle,
		op:        string(call.Op),
		transport: transport,
		requestID: call.RequestID,
		onEnd:     onEnd,
	}
}

// RequestID returns the identifier sent with the stream request.
func (s *InferenceStream) RequestID() string {
	return s.requestID
}

// Recv returns the next chunk. It returns io.EOF after the completion chunk
// has been delivered, or the terminal error if the stream failed.
func (s *InferenceStream) Recv() (StreamChunk, error) {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return StreamChunk{}, err
	}
	s.mu.Unlock()

	var timer *time.Timer
	if s.idle > 0 {
		timer = time.AfterFunc(s.idle, func() {
			s.idleFired.Store(true)
			s.cancel()
		})
	}
	data, err := s.raw.Recv()
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		return StreamChunk{}, s.fail(s.classifyRecvError(err))
	}

	var chunk StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return StreamChunk{}, s.fail(&RouterError{Kind: ErrValidation, Message: "decode stream chunk", Cause: err})
	}
	if chunk.Error != "" {
		return StreamChunk{}, s.fail(&RouterError{Kind: ErrInference, Message: chunk.Error})
	}

	s.mu.Lock()
	if s.done {
		// Closed concurrently while this chunk was in flight.
		err := s.err
		s.mu.Unlock()
		return StreamChunk{}, err
	}
	chunk.Index = s.index
	s.index++
	if chunk.IsComplete {
		s.done = true
	}
	s.mu.Unlock()

	if chunk.IsComplete {
		s.finish(chunk.Usage, nil)
	}
	return chunk, nil
}

func (s *InferenceStream) classifyRecvError(err error) error {
	switch {
	case s.idleFired.Load():
		return &RouterError{Kind: ErrTimeout, Message: "no chunk received within " + s.idle.String(), Cause: err}
	case s.closed.Load():
		return &RouterError{Kind: ErrRouter, Message: "stream closed", Cause: context.Canceled}
	case errors.Is(err, io.EOF):
		return &RouterError{Kind: ErrNetwork, Message: "stream ended before completion"}
	}
	var re *RouterError
	if errors.As(err, &re) {
		return err
	}
	return normalizeContextError(s.op, err)
}

func (s *InferenceStream) fail(err error) error {
	var re *RouterError
	if errors.As(err, &re) {
		if re.Op == "" {
			re.Op = s.op
		}
		if re.Transport == "" {
			re.Transport = s.transport
		}
		if re.RequestID == "" {
			re.RequestID = s.requestID
		}
	}

	s.mu.Lock()
	if s.done {
		err = s.err
		s.mu.Unlock()
		return err
	}
	s.done = true
	s.err = err
	s.mu.Unlock()

	s.finish(nil, err)
	return err
}

func (s *InferenceStream) finish(usage *TokenUsage, err error) {
	s.release.Do(func() {
		s.cancel()
		_ = s.raw.Close()
		if s.onEnd != nil {
			s.onEnd(usage, err)
		}
	})
}

// Close aborts the stream. It is safe to call more than once.
func (s *InferenceStream) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.err = &RouterError{
			Kind:      ErrRouter,
			Op:        s.op,
			Transport: s.transport,
			RequestID: s.requestID,
			Message:   "stream closed",
			Cause:     context.Canceled,
		}
	}
	err := s.err
	s.mu.Unlock()
	s.finish(nil, err)
	return nil
}

// Err returns the terminal error, or nil while running or after a clean end.
func (s *InferenceStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Chunks adapts the stream to a range-over-func iterator. Iteration stops
// after the completion chunk or yields the terminal error once. Breaking
// out of the loop closes the stream.
func (s *InferenceStream) Chunks() iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(StreamChunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// DrainStream reads the stream to completion and assembles the response.
func DrainStream(s *InferenceStream) (*InferenceResponse, error) {
	if s == nil {
		return nil, &RouterError{Kind: ErrValidation, Message: "nil stream"}
	}

	var text strings.Builder
	resp := &InferenceResponse{Success: true}
	for chunk, err := range s.Chunks() {
		if err != nil {
			return nil, err
		}
		text.WriteString(chunk.Token)
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.IsComplete {
			resp.IsComplete = true
			resp.Usage = chunk.Usage
			resp.Metrics = chunk.Metrics
		}
	}
	resp.Text = text.String()
	return resp, nil
}
