package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockTransport is a test implementation of Transport.
type mockTransport struct {
	unaryFunc  func(ctx context.Context, call *Call, n int) (json.RawMessage, error)
	streamFunc func(ctx context.Context, call *Call, n int) (RawStream, error)

	mu          sync.Mutex
	unaryCalls  int
	streamCalls int
	calls       []Call
	closeCount  int
}

func (m *mockTransport) Name() string { return "mock" }

func (m *mockTransport) CallUnary(ctx context.Context, call *Call) (json.RawMessage, error) {
	m.mu.Lock()
	n := m.unaryCalls
	m.unaryCalls++
	m.calls = append(m.calls, *call)
	m.mu.Unlock()

	if m.unaryFunc != nil {
		return m.unaryFunc(ctx, call, n)
	}
	return json.RawMessage(`{}`), nil
}

func (m *mockTransport) CallStream(ctx context.Context, call *Call) (RawStream, error) {
	m.mu.Lock()
	n := m.streamCalls
	m.streamCalls++
	m.calls = append(m.calls, *call)
	m.mu.Unlock()

	if m.streamFunc != nil {
		return m.streamFunc(ctx, call, n)
	}
	return newSliceStream(ctx, nil, `{"token":"","is_complete":true}`), nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	return nil
}

func (m *mockTransport) counts() (unary, stream int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unaryCalls, m.streamCalls
}

func (m *mockTransport) lastCall() Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

// sliceStream replays fixed chunks, then returns end (io.EOF when nil).
// Once the chunks run out it blocks until ctx ends if block is set.
type sliceStream struct {
	ctx    context.Context
	chunks []string
	end    error
	block  bool
	closed chan struct{}
	once   sync.Once
}

func newSliceStream(ctx context.Context, end error, chunks ...string) *sliceStream {
	return &sliceStream{ctx: ctx, chunks: chunks, end: end, closed: make(chan struct{})}
}

func (s *sliceStream) Recv() (json.RawMessage, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return json.RawMessage(c), nil
	}
	if s.block {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-s.closed:
			return nil, io.ErrClosedPipe
		}
	}
	if s.end != nil {
		return nil, s.end
	}
	return nil, io.EOF
}

func (s *sliceStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func newTestClient(mt *mockTransport, opts ...ClientOption) *Client {
	base := []ClientOption{WithRateLimiter(nil), WithRetryPolicy(NoRetry()), WithTimeout(2 * time.Second)}
	return NewClient(mt, append(base, opts...)...)
}

func TestQuickInferenceReturnsText(t *testing.T) {
	mt := &mockTransport{
		unaryFunc: func(ctx context.Context, call *Call, n int) (json.RawMessage, error) {
			if call.Op != OpInference {
				t.Errorf("Op = %q, want %q", call.Op, OpInference)
			}
			return json.RawMessage(`{"text":"Paris","is_complete":true}`), nil
		},
	}
	client := newTestClient(mt)

	resp, err := client.QuickInference(context.Background(), "What is the capital of France?", WithMaxTokens(100))
	if err != nil {
		t.Fatalf("QuickInference() error = %v", err)
	}
	if resp.Text != "Paris" {
		t.Errorf("Text = %q, want Paris", resp.Text)
	}
	if !resp.Success || !resp.IsComplete {
		t.Errorf("Success = %v, IsComplete = %v, want both true", resp.Success, resp.IsComplete)
	}

	req, ok := mt.lastCall().Body.(InferenceRequest)
	if !ok {
		t.Fatalf("Body type = %T, want InferenceRequest", mt.lastCall().Body)
	}
	if req.Prompt != "What is the capital of France?" {
		t.Errorf("Prompt = %q", req.Prompt)
	}
	if req.Options.MaxTokens == nil || *req.Options.MaxTokens != 100 {
		t.Errorf("MaxTokens = %v, want 100", req.Options.MaxTokens)
	}
}

func TestLoadModelEchoesModel(t *testing.T) {
	mt := &mockTransport{
		unaryFunc: func(ctx context.Context, call *Call, n int) (json.RawMessage, error) {
			req := call.Body.(LoadModelRequest)
			out, _ := json.Marshal(LoadModelResult{
				Success: true,
				Model:   &ModelInfo{ID: req.ID, Name: string(req.ID), Format: req.Format, Source: req.Source, Loaded: true},
			})
			return out, nil
		},
	}
	client := newTestClient(mt)

	res, err := client.LoadModel(context.Background(), LoadModelRequest{
		Source: "./models/llama-7b.gguf",
		Format: FormatGGUF,
		ID:     "llama-7b",
	})
	if err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.Model == nil || res.Model.ID != "llama-7b" {
		t.Fatalf("Model = %+v, want id llama-7b", res.Model)
	}
	if res.Model.LoadState() != "loaded" {
		t.Errorf("LoadState() = %q, want loaded", res.Model.LoadState())
	}
}

func TestValidationFailsBeforeDispatch(t *testing.T) {
	mt := &mockTransport{}
	client := newTestClient(mt)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty prompt", func() error { _, err := client.QuickInference(ctx, ""); return err }},
		{"max tokens", func() error { _, err := client.QuickInference(ctx, "hi", WithMaxTokens(0)); return err }},
		{"temperature", func() error { _, err := client.QuickInference(ctx, "hi", WithTemperature(3)); return err }},
		{"empty source", func() error { _, err := client.LoadModel(ctx, LoadModelRequest{}); return err }},
		{"bad format", func() error {
			_, err := client.LoadModel(ctx, LoadModelRequest{Source: "x", Format: "zip"})
			return err
		}},
		{"empty model id", func() error { _, err := client.GetModel(ctx, ""); return err }},
		{"empty unload id", func() error { _, err := client.UnloadModel(ctx, "", false); return err }},
		{"empty chat", func() error { _, err := client.ChatCompletion(ctx, nil); return err }},
		{"empty batch", func() error { _, err := client.Batch(ctx, BatchRequest{}); return err }},
		{"stream empty prompt", func() error { _, err := client.StreamInference(ctx, InferenceRequest{}); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}

	if u, s := mt.counts(); u != 0 || s != 0 {
		t.Errorf("transport called %d/%d times, want none", u, s)
	}
}

func TestInferenceUnsuccessfulResponse(t *testing.T) {
	mt := &mockTransport{
		unaryFunc: func(ctx context.Context, call *Call, n int) (json.RawMessage, error) {
			return json.RawMessage(`{"success":false,"error":"out of memory"}`), nil
		},
	}
	client := newTestClient(mt)

	_, err := client.QuickInference(context.Background(), "hi")
	if !errors.Is(err, ErrInference) {
		t.Fatalf("error = %v, want ErrInference", err)
	}
	if !strings.Contains(err.Error(), "out of memory") {
		t.Errorf("error %q should carry the server message", err)
	}
	var re *RouterError
	if !errors.As(err, &re) {
		t.Fatalf("error = %T, want *RouterError", err)
	}
	if re.RequestID == "" {
		t.Fatal("error carries no request id")
	}
	sent := mt.lastCall()
	if sent.RequestID != re.RequestID {
		t.Errorf("call request id = %q, error has %q", sent.RequestID, re.RequestID)
	}
	if body := sent.Body.(InferenceRequest); body.RequestID != re.RequestID {
		t.Errorf("wire request id = %q, error has %q", body.RequestID, re.RequestID)
	}
}

func TestInferenceDecodeFailure(t *testing.T) {
	mt := &mockTransport{
		unaryFunc: func(ctx context.Context, call *Call, n int) (json.RawMessage, error) {
			return json.RawMessage(`not json`), nil
		},
	}
	client := newTestClient(mt)

	_, err := client.QuickInference(context.Background(), "hi")
	var re *RouterError
	if !errors.As(err, &re) {
		t.Fatalf("error = %T, want *RouterError", err)
	}
	if re.Kind != ErrValidation || re.Op != string(OpInference) || re.RequestID == "" {
		t.Errorf("error = %+v, want validation with op and request id", re)
	}
}

func TestListModelsAcceptsBothShapes(t *testing.T) {
	for name, body := range map[string]string{
		"object": `{"models":[{"id":"a","loaded":true},{"id":"b"}]}`,
		"array":  `[{"id":"a","loaded":true},{"id":"b"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			mt := &mockTransport{
				unaryFunc: func(ctx context.Context, call *Call, n int) (json.RawMessage, error) {
					if call.Param("include_unloaded") != "true" {
						t.Errorf("include_unloaded = %q, want true", call.Param("include_unloaded"))
					}
					return json.RawMessage(body), nil
				},
			}
			models, err := newTestClient(mt).ListModels(context.Background(), true)
			if err != nil {
				t.Fatalf("ListModels() error = %v", err)
			}
			if len(models) != 2 || models[0].ID != "a" || models[1].LoadState() != "unloaded" {
				t.Errorf("models = %+v", models)
			}
		})
	}
}

func TestHealthDefaultsUnknownStatus(t *testing.T) {
	mt := &mockTransport{}
	report, err := newTestClient(mt).Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if report.Status != HealthUnknown {
		t.Errorf("Status = %q, want UNKNOWN", report.Status)
	}
}

func TestChatCompletionFlattensMessages(t *testing.T) {
	mt := &mockTransport{
		unaryFunc: func(ctx context.Context, call *Call, n int) (json.RawMessage, error) {
			return json.RawMessage(`{"text":"ok"}`), nil
		},
	}
	client := newTestClient(mt)

	_, err := client.ChatCompletion(context.Background(), []ChatMessage{
		{Role: RoleSystem, Content: "Be brief."},
		{Role: RoleUser, Content: "Hi"},
	}, WithModel("llama-7b"))
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}

	req := mt.lastCall().Body.(InferenceRequest)
	if req.Prompt != "system: Be brief.\nuser: Hi" {
		t.Errorf("Prompt = %q", req.Prompt)
	}
	if req.Model != "llama-7b" {
		t.Errorf("Model = %q, want llama-7b", req.Model)
	}
}

func TestSessionIDAttached(t *testing.T) {
	mt := &mockTransport{}
	client := newTestClient(mt)
	client.SetSessionID("sess-42")

	_, _ = client.QuickInference(context.Background(), "hi")

	req := mt.lastCall().Body.(InferenceRequest)
	if req.SessionID != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", req.SessionID)
	}
}

func TestInferenceBuilder(t *testing.T) {
	mt := &mockTransport{}
	client := newTestClient(mt)

	b := client.Infer("hello").
		Model("m").
		MaxTokens(64).
		Temperature(0.5).
		TopP(0.9).
		TopK(40).
		Stop("\n\n").
		Seed(7).
		Metadata("user", "u1").
		RequestID("req-fixed")

	req := b.Request()
	if req.Model != "m" || *req.Options.MaxTokens != 64 || *req.Options.TopK != 40 || *req.Options.Seed != 7 {
		t.Errorf("Request() = %+v", req)
	}
	req.Metadata["user"] = "changed"
	if b.Request().Metadata["user"] != "u1" {
		t.Error("Request() should return an independent copy of metadata")
	}

	if _, err := b.Get(context.Background()); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := mt.lastCall().RequestID; got != "req-fixed" {
		t.Errorf("RequestID = %q, want req-fixed", got)
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	mt := &mockTransport{}
	client := newTestClient(mt)

	for i := 0; i < 3; i++ {
		if err := client.Close(); err != nil {
			t.Fatalf("Close() #%d error = %v", i, err)
		}
	}
	if mt.closeCount != 1 {
		t.Errorf("transport closed %d times, want 1", mt.closeCount)
	}

	_, err := client.Health(context.Background())
	if !errors.Is(err, ErrClientClosed) {
		t.Errorf("Health() after Close error = %v, want ErrClientClosed", err)
	}
}

func TestWithSessionClosesOnError(t *testing.T) {
	mt := &mockTransport{}
	boom := errors.New("boom")

	err := WithSession(context.Background(), mt, func(ctx context.Context, c *Client) error {
		return boom
	}, WithRateLimiter(nil))

	if !errors.Is(err, boom) {
		t.Errorf("WithSession() error = %v, want boom", err)
	}
	if mt.closeCount != 1 {
		t.Errorf("transport closed %d times, want 1", mt.closeCount)
	}
}

func TestOnRequiresEventSource(t *testing.T) {
	_, err := newTestClient(&mockTransport{}).On(EventModelLoaded, func(Event) {})
	if !errors.Is(err, ErrNotSupported) {
		t.Errorf("On() error = %v, want ErrNotSupported", err)
	}
}

func TestWithConfigAppliesSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 0
	cfg.RateLimit = RateLimitConfig{}
	cfg.APIKey = NewSecret("rk-1")

	client := NewClient(&mockTransport{}, WithConfig(cfg))
	if client.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", client.timeout)
	}
	if client.limiter != nil {
		t.Error("rate limiter should be disabled")
	}
	if client.Config().APIKey.Expose() != "rk-1" {
		t.Error("Config() should carry the API key")
	}
	if client.Config().WebSocketURL != "ws://localhost:3000/ws" {
		t.Errorf("WebSocketURL = %q", client.Config().WebSocketURL)
	}
}
