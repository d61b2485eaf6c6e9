// Package core provides the llmrouter client and the transport-agnostic
// dispatch engine used to talk to a model-serving router.
//
// # Client and Transport
//
// The primary entry point is [Client], which wraps a [Transport] and adds
// rate limiting, retries, telemetry and typed operations:
//
//	t := rest.New(rest.WithBaseURL("http://localhost:3000"))
//	client := core.NewClient(t,
//	    core.WithConfig(cfg),
//	    core.WithTelemetry(hook),
//	)
//	defer client.Close()
//
// Transports live in the transports/rest, transports/rpc and transports/ws
// packages. Each connects lazily on first use and is released by
// [Client.Close], which may be called more than once. [WithSession] scopes
// a client to a function call.
//
// # Inference
//
//	resp, err := client.QuickInference(ctx, "What is the capital of France?",
//	    core.WithMaxTokens(100))
//
// or with the fluent [InferenceBuilder]:
//
//	resp, err := client.Infer("Summarize this.").
//	    Model("llama-7b").
//	    Temperature(0.2).
//	    Get(ctx)
//
// # Streaming
//
// [Client.StreamInference] returns an [InferenceStream], a lazy pull
// sequence. Every stream ends either with exactly one chunk whose
// IsComplete is set, or with an error:
//
//	stream, err := client.Infer("Tell me a story.").Stream(ctx)
//	if err != nil {
//	    return err
//	}
//	for chunk, err := range stream.Chunks() {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Token)
//	}
//
// Retries apply to opening the stream only. A stream that fails after
// delivering chunks reports the error; delivered chunks are not replayed.
//
// # Rate limiting and retries
//
// Each attempt takes one token from the client's [RateLimiter] before any
// I/O. The per-call timeout covers that wait, so a call that cannot be
// admitted in time fails with an error matching both [ErrRateLimited] and
// [ErrTimeout]. Transient failures ([ErrNetwork], [ErrTimeout],
// [ErrInference], other 5xx) are retried with exponential backoff and
// jitter per [RetryPolicy]; everything else is returned at once.
//
// # Errors
//
// Every failure is a [*RouterError] whose Kind is one of the sentinels
// ErrNetwork, ErrTimeout, ErrModelNotFound, ErrInference, ErrValidation,
// ErrRateLimited, ErrUnauthorized or the catch-all ErrRouter:
//
//	if errors.Is(err, core.ErrModelNotFound) {
//	    // load it first
//	}
//
// # Batches
//
// [Client.Batch] runs requests with bounded concurrency and returns one
// [BatchItem] per request in input order. Requests still pending at the
// batch deadline are marked with a timeout error.
//
// # Push events
//
// Over the WebSocket transport, [Client.On] registers handlers for router
// events such as [EventModelLoaded]. Handlers belong to the client's
// session and run on the connection's receive loop.
package core
