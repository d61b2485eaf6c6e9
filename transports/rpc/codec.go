package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"

	"github.com/petal-labs/llmrouter/core"
)

// CodecName is the gRPC content-subtype used for router messages.
const CodecName = "json"

// Codec marshals gRPC messages as JSON.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name implements encoding.Codec.
func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}

// ServiceName is the fully qualified router service.
const ServiceName = "llmrouter.v1.LLMRouterService"

// StreamMethod is the server-streaming inference method.
const StreamMethod = "StreamInference"

var methodNames = map[core.Operation]string{
	core.OpHealth:          "HealthCheck",
	core.OpStatus:          "GetStatus",
	core.OpMetrics:         "GetMetrics",
	core.OpListModels:      "ListModels",
	core.OpGetModel:        "GetModel",
	core.OpLoadModel:       "LoadModel",
	core.OpUnloadModel:     "UnloadModel",
	core.OpInference:       "Inference",
	core.OpStreamInference: StreamMethod,
}

// MethodName returns the service method serving op.
func MethodName(op core.Operation) (string, bool) {
	name, ok := methodNames[op]
	return name, ok
}

// FullMethod returns "/service/method" for op.
func FullMethod(op core.Operation) (string, bool) {
	name, ok := methodNames[op]
	if !ok {
		return "", false
	}
	return "/" + ServiceName + "/" + name, true
}
