// Package rpc implements the router transport over gRPC.
//
// The router exposes the llmrouter.v1.LLMRouterService service. Messages
// are exchanged as JSON using the "json" codec this package registers with
// grpc-go, so no generated stubs are needed on either side.
//
// Connections are created on first use. Addresses on localhost use
// plaintext; any other address uses TLS unless WithInsecure is given.
// The API key travels in the "authorization" metadata entry.
package rpc
