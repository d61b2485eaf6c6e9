package routertest

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/internal/normalize"
	"github.com/petal-labs/llmrouter/transports/rpc"
)

// routerService is the handler type of the hand-written service
// descriptor. Any value satisfies it.
type routerService interface{}

var unaryOps = []core.Operation{
	core.OpHealth, core.OpStatus, core.OpMetrics, core.OpListModels, core.OpGetModel,
	core.OpLoadModel, core.OpUnloadModel, core.OpInference,
}

func (s *Server) registerGRPC() {
	desc := grpc.ServiceDesc{
		ServiceName: rpc.ServiceName,
		HandlerType: (*routerService)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    rpc.StreamMethod,
			Handler:       s.grpcStream,
			ServerStreams: true,
		}},
		Metadata: "llmrouter/v1/router.proto",
	}
	for _, op := range unaryOps {
		name, _ := rpc.MethodName(op)
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    s.grpcUnary(op),
		})
	}
	s.grpc.RegisterService(&desc, s)
}

func toStatus(err error) error {
	kind, msg := errorDetails(err)
	return status.Error(normalize.CodeForKind(kind), msg)
}

func (s *Server) grpcUnary(op core.Operation) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	full, _ := rpc.FullMethod(op)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		var in json.RawMessage
		if err := dec(&in); err != nil {
			return nil, toStatus(core.ValidationError(string(op), "malformed request: %v", err))
		}
		handler := func(ctx context.Context, req any) (any, error) {
			out, err := s.handle(ctx, op, *req.(*json.RawMessage))
			if err != nil {
				return nil, toStatus(err)
			}
			return out, nil
		}
		if interceptor == nil {
			return handler(ctx, &in)
		}
		return interceptor(ctx, &in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
	}
}

func (s *Server) grpcStream(srv any, stream grpc.ServerStream) error {
	var in json.RawMessage
	if err := stream.RecvMsg(&in); err != nil {
		return toStatus(core.ValidationError(string(core.OpStreamInference), "malformed request: %v", err))
	}
	var req core.InferenceRequest
	if err := decodeInto(core.OpStreamInference, in, &req); err != nil {
		return toStatus(err)
	}
	err := s.backend.StreamInference(stream.Context(), req, func(c core.StreamChunk) error {
		return stream.SendMsg(c)
	})
	if err != nil {
		return toStatus(err)
	}
	return nil
}

func (s *Server) checkMetadata(ctx context.Context) error {
	if s.apiKey == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if s.authorized(strings.Join(md.Get("authorization"), "")) {
		return nil
	}
	return toStatus(unauthorized())
}

func (s *Server) authUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.checkMetadata(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) authStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.checkMetadata(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}
