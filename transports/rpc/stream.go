package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"google.golang.org/grpc"

	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

// rawStream adapts a grpc.ClientStream to core.RawStream.
type rawStream struct {
	cs      grpc.ClientStream
	cancel  context.CancelFunc
	op      string
	pending json.RawMessage
	eof     bool
}

// Recv returns the next message, or io.EOF when the server ends the call
// with an OK status.
func (s *rawStream) Recv() (json.RawMessage, error) {
	if s.pending != nil {
		msg := s.pending
		s.pending = nil
		return s.check(msg)
	}
	if s.eof {
		return nil, io.EOF
	}
	var msg json.RawMessage
	if err := s.cs.RecvMsg(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			s.eof = true
			return nil, io.EOF
		}
		return nil, normalize.GRPCError(s.op, err)
	}
	return s.check(msg)
}

// check surfaces an error carried inside a message.
func (s *rawStream) check(msg json.RawMessage) (json.RawMessage, error) {
	if err := normalize.ChunkError(normalize.GRPC, s.op, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Close cancels the call.
func (s *rawStream) Close() error {
	s.cancel()
	return nil
}
