// Package rest implements the router transport over the HTTP REST API.
//
// Every operation maps to an endpoint under /api/v1. Streaming inference
// reads either Server-Sent Events ("data: {...}" lines) or newline
// delimited JSON from /api/v1/inference/stream.
//
// # Usage
//
//	t := rest.New(
//	    rest.WithBaseURL("http://localhost:3000"),
//	    rest.WithAPIKey(os.Getenv("LLM_ROUTER_API_KEY")),
//	)
//	client := core.NewClient(t)
//	defer client.Close()
//
// Importing the package registers it under core.ProtocolHTTP, so
// transports.Create can build it from a core.RouterConfig.
package rest
