package core

import (
	"context"
	"encoding/json"
	"time"
)

// Operation names a router endpoint independently of transport.
type Operation string

// Router operations.
const (
	OpHealth          Operation = "health"
	OpStatus          Operation = "status"
	OpMetrics         Operation = "metrics"
	OpListModels      Operation = "list_models"
	OpGetModel        Operation = "get_model"
	OpLoadModel       Operation = "load_model"
	OpUnloadModel     Operation = "unload_model"
	OpInference       Operation = "inference"
	OpStreamInference Operation = "stream_inference"
)

// Call is one logical request handed to a transport. Params carries scalar
// arguments that some transports place in the path or query (model_id,
// include_unloaded); Body is marshaled as the JSON payload.
type Call struct {
	Op        Operation
	RequestID string
	Params    map[string]string
	Body      any
	// Timeout overrides the client timeout for this call when positive.
	Timeout time.Duration
	// Model is recorded in telemetry.
	Model ModelID
}

// Param returns the named parameter or "".
func (c *Call) Param(name string) string {
	if c.Params == nil {
		return ""
	}
	return c.Params[name]
}

// Transport is the capability set every adapter provides. Connections are
// opened on first use and released by Close, which is idempotent.
//
// Adapters return normalized *RouterError values.
type Transport interface {
	// Name identifies the transport in errors and telemetry.
	Name() string
	// CallUnary performs a request with a single response.
	CallUnary(ctx context.Context, call *Call) (json.RawMessage, error)
	// CallStream opens a server-streaming request. Chunks are received
	// lazily by the returned stream.
	CallStream(ctx context.Context, call *Call) (RawStream, error)
	// Close releases connections held by the transport.
	Close() error
}

// RawStream yields undecoded stream chunks. Recv returns io.EOF once the
// server ends the stream.
type RawStream interface {
	Recv() (json.RawMessage, error)
	Close() error
}

// Event is an out-of-band push message from the router.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Push event names emitted by the router.
const (
	EventModelLoaded   = "model_loaded"
	EventModelUnloaded = "model_unloaded"
	EventRoomMessage   = "room_message"
)

// EventHandler receives push events. It runs on the transport's receive
// loop and must not block.
type EventHandler func(Event)

// EventSource is implemented by transports that deliver push events.
type EventSource interface {
	Subscribe(event string, handler EventHandler) (unsubscribe func())
}
