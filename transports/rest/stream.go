package rest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

var errInvalidJSON = errors.New("invalid JSON payload")

// eventStream reads chunk payloads from an SSE or NDJSON body. SSE data
// lines carry one JSON document each; lines without a field prefix are
// treated as NDJSON.
type eventStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	op        string
	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser, op string) *eventStream {
	return &eventStream{
		body:   body,
		reader: bufio.NewReaderSize(body, 64<<10),
		op:     op,
	}
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Recv returns the next payload, or io.EOF when the body ends.
func (s *eventStream) Recv() (json.RawMessage, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, normalize.TransportError(normalize.HTTP, s.op, err)
		}
		payload, ok := parseLine(line)
		if ok {
			if bytes.Equal(payload, doneMarker) {
				return nil, io.EOF
			}
			if !json.Valid(payload) {
				return nil, normalize.DecodeError(normalize.HTTP, s.op, errInvalidJSON)
			}
			if err := normalize.ChunkError(normalize.HTTP, s.op, payload); err != nil {
				return nil, err
			}
			return json.RawMessage(bytes.Clone(payload)), nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

// parseLine extracts a payload from one line. Blank lines, comments and
// SSE fields other than data are skipped.
func parseLine(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if bytes.HasPrefix(line, dataPrefix) {
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		return payload, len(payload) > 0
	}
	for _, field := range [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")} {
		if bytes.HasPrefix(line, field) {
			return nil, false
		}
	}
	return line, true
}

// Close releases the response body.
func (s *eventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
