package rest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports"
	"github.com/petal-labs/llmrouter/transports/rest"
	"github.com/petal-labs/llmrouter/transports/routertest"
)

func TestNewDefaults(t *testing.T) {
	tr := rest.New()
	assert.Equal(t, "http", tr.Name())
	assert.True(t, transports.IsRegistered(core.ProtocolHTTP))

	created, err := transports.Create(core.RouterConfig{})
	require.NoError(t, err)
	assert.Equal(t, "http", created.Name())
}

func TestRoutesAndHeaders(t *testing.T) {
	type seen struct {
		method, path, query, auth, requestID, ua string
		body                                     map[string]any
	}
	var (
		mu   sync.Mutex
		last seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		last = seen{
			method:    r.Method,
			path:      r.URL.Path,
			query:     r.URL.RawQuery,
			auth:      r.Header.Get("Authorization"),
			requestID: r.Header.Get("X-Request-ID"),
			ua:        r.Header.Get("User-Agent"),
		}
		last.body = nil
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &last.body)
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	tr := rest.New(rest.WithBaseURL(srv.URL+"/"), rest.WithAPIKey("rk-secret"), rest.WithUserAgent("test-agent"))
	ctx := context.Background()

	tests := []struct {
		call       core.Call
		method     string
		path       string
		query      string
		wantBodyOf string
	}{
		{core.Call{Op: core.OpHealth}, http.MethodGet, "/api/v1/health", "", ""},
		{core.Call{Op: core.OpStatus}, http.MethodGet, "/api/v1/status", "", ""},
		{core.Call{Op: core.OpMetrics}, http.MethodGet, "/api/v1/metrics", "", ""},
		{core.Call{Op: core.OpListModels, Params: map[string]string{"include_unloaded": "true"}}, http.MethodGet, "/api/v1/models", "include_unloaded=true", ""},
		{core.Call{Op: core.OpGetModel, Params: map[string]string{"model_id": "llama 7b"}}, http.MethodGet, "/api/v1/models/llama 7b", "", ""},
		{core.Call{Op: core.OpLoadModel, Body: core.LoadModelRequest{Source: "./m.gguf"}}, http.MethodPost, "/api/v1/models/load", "", "source"},
		{core.Call{Op: core.OpUnloadModel, Body: core.UnloadModelRequest{ModelID: "m"}}, http.MethodPost, "/api/v1/models/unload", "", "model_id"},
		{core.Call{Op: core.OpInference, RequestID: "req-42", Body: core.InferenceRequest{Prompt: "hi"}}, http.MethodPost, "/api/v1/inference", "", "prompt"},
	}
	for _, tt := range tests {
		t.Run(string(tt.call.Op), func(t *testing.T) {
			call := tt.call
			_, err := tr.CallUnary(ctx, &call)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.method, last.method)
			assert.Equal(t, tt.path, last.path)
			assert.Equal(t, tt.query, last.query)
			assert.Equal(t, "Bearer rk-secret", last.auth)
			assert.Equal(t, "test-agent", last.ua)
			assert.Equal(t, call.RequestID, last.requestID)
			if tt.wantBodyOf != "" {
				assert.Contains(t, last.body, tt.wantBodyOf)
			}
		})
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{400, `{"error":"prompt is required"}`, core.ErrValidation},
		{401, `{"error":"bad key"}`, core.ErrUnauthorized},
		{404, `{"error":"model not found","code":404}`, core.ErrModelNotFound},
		{429, `{"error":"slow down"}`, core.ErrRateLimited},
		{500, `{"detail":"CUDA out of memory"}`, core.ErrInference},
		{503, `upstream unavailable`, core.ErrNetwork},
		{504, ``, core.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := rest.New(rest.WithBaseURL(srv.URL)).CallUnary(context.Background(), &core.Call{Op: core.OpHealth, RequestID: "r1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var re *core.RouterError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.status, re.Status)
			assert.Equal(t, "r1", re.RequestID)
		})
	}
}

func TestUnaryInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":`)
	}))
	defer srv.Close()

	_, err := rest.New(rest.WithBaseURL(srv.URL)).CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := rest.New(rest.WithBaseURL(url)).CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	assert.ErrorIs(t, err, core.ErrNetwork)
	assert.True(t, core.IsRetryable(err))
}

func TestCredentialsNeverInErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid api key"}`)
	}))
	defer srv.Close()

	_, err := rest.New(rest.WithBaseURL(srv.URL), rest.WithAPIKey("rk-do-not-leak")).CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "rk-do-not-leak")
}

func streamServer(contentType, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, body)
	}))
}

func drain(t *testing.T, s core.RawStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		msg, err := s.Recv()
		if err != nil {
			return out, err
		}
		out = append(out, string(msg))
	}
}

func TestStreamSSE(t *testing.T) {
	body := ": keepalive\n" +
		"event: token\n" +
		"data: {\"token\":\"Hel\"}\n\n" +
		"data:{\"token\":\"lo\"}\r\n\r\n" +
		"data: {\"token\":\"\",\"is_complete\":true}\n\n" +
		"data: [DONE]\n\n"
	srv := streamServer("text/event-stream", body)
	defer srv.Close()

	s, err := rest.New(rest.WithBaseURL(srv.URL)).CallStream(context.Background(), &core.Call{Op: core.OpStreamInference, Body: core.InferenceRequest{Prompt: "hi"}})
	require.NoError(t, err)
	defer s.Close()

	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{`{"token":"Hel"}`, `{"token":"lo"}`, `{"token":"","is_complete":true}`}, got)
}

func TestStreamNDJSON(t *testing.T) {
	srv := streamServer("application/x-ndjson", "{\"token\":\"a\"}\n\n{\"token\":\"b\",\"is_complete\":true}")
	defer srv.Close()

	s, err := rest.New(rest.WithBaseURL(srv.URL)).CallStream(context.Background(), &core.Call{Op: core.OpStreamInference})
	require.NoError(t, err)
	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, got, 2)
}

func TestStreamMalformedChunk(t *testing.T) {
	srv := streamServer("text/event-stream", "data: {\"token\":\"a\"}\n\ndata: {not json}\n\n")
	defer srv.Close()

	s, err := rest.New(rest.WithBaseURL(srv.URL)).CallStream(context.Background(), &core.Call{Op: core.OpStreamInference})
	require.NoError(t, err)
	got, err := drain(t, s)
	assert.Len(t, got, 1)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestStreamInBandErrorKeepsKind(t *testing.T) {
	tests := []struct {
		code string
		kind error
	}{
		{"network_error", core.ErrNetwork},
		{"model_not_found", core.ErrModelNotFound},
		{"timeout", core.ErrTimeout},
		{"", core.ErrInference},
	}

	for _, tt := range tests {
		t.Run(tt.kind.Error(), func(t *testing.T) {
			chunk := fmt.Sprintf(`{"error":"backend failed","code":%q}`, tt.code)
			srv := streamServer("text/event-stream", "data: {\"token\":\"a\"}\n\ndata: "+chunk+"\n\n")
			defer srv.Close()

			s, err := rest.New(rest.WithBaseURL(srv.URL)).CallStream(context.Background(), &core.Call{Op: core.OpStreamInference})
			require.NoError(t, err)
			got, err := drain(t, s)
			assert.Len(t, got, 1)

			var re *core.RouterError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.kind, re.Kind)
			assert.Equal(t, "http", re.Transport)
			assert.Equal(t, "backend failed", re.Message)
		})
	}
}

func TestStreamRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model x not found"}`)
	}))
	defer srv.Close()

	_, err := rest.New(rest.WithBaseURL(srv.URL)).CallStream(context.Background(), &core.Call{Op: core.OpStreamInference})
	assert.ErrorIs(t, err, core.ErrModelNotFound)
}

func TestStreamRejectsOtherOps(t *testing.T) {
	_, err := rest.New().CallStream(context.Background(), &core.Call{Op: core.OpHealth})
	assert.ErrorIs(t, err, core.ErrNotSupported)
}

func TestCloseIsIdempotent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	tr := rest.New(rest.WithBaseURL(srv.URL))
	_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	assert.ErrorIs(t, err, core.ErrClientClosed)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientAgainstFakeRouter(t *testing.T) {
	srv := routertest.NewServer(routertest.NewFake(), routertest.WithNDJSON())
	defer srv.Close()

	client := core.NewClient(rest.FromConfig(srv.Config(core.ProtocolHTTP)), core.WithConfig(srv.Config(core.ProtocolHTTP)))
	defer client.Close()

	resp, err := client.Infer("Tell me a story").MaxTokens(3).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Echo: Tell me", resp.Text)

	stream, err := client.Infer("What is the capital of France?").Stream(context.Background())
	require.NoError(t, err)
	full, err := core.DrainStream(stream)
	require.NoError(t, err)
	assert.Equal(t, "Paris", full.Text)
	assert.True(t, full.IsComplete)
	require.NotNil(t, full.Usage)
	assert.Positive(t, full.Usage.TotalTokens)
	assert.False(t, strings.Contains(full.Text, "DONE"))
}
