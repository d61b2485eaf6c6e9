package core

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client is a session with one router over one transport. The transport
// connects on first use; Close releases it.
// Client is safe for concurrent use.
type Client struct {
	transport  Transport
	cfg        RouterConfig
	telemetry  TelemetryHook
	retry      RetryPolicy
	limiter    *RateLimiter
	timeout    time.Duration
	logger     zerolog.Logger
	dispatcher *Dispatcher

	mu        sync.RWMutex
	sessionID string

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a Client over t. Without WithConfig the client uses
// DefaultConfig for timeout, retries and rate limiting.
func NewClient(t Transport, opts ...ClientOption) *Client {
	cfg := DefaultConfig()
	c := &Client{
		transport: t,
		cfg:       cfg,
		telemetry: NoopTelemetryHook{},
		retry:     cfg.RetryPolicy(),
		limiter:   cfg.RateLimiter(),
		timeout:   cfg.Timeout,
		logger:    zerolog.Nop(),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatcher = NewDispatcher(t, DispatchConfig{
		Limiter:   c.limiter,
		Retry:     c.retry,
		Timeout:   c.timeout,
		Telemetry: c.telemetry,
		Logger:    &c.logger,
	})
	return c
}

// WithConfig applies the timeout, retry and rate-limit settings of cfg.
// Options given after WithConfig override it.
func WithConfig(cfg RouterConfig) ClientOption {
	return func(c *Client) {
		cfg = cfg.WithDefaults()
		c.cfg = cfg
		c.timeout = cfg.Timeout
		c.retry = cfg.RetryPolicy()
		c.limiter = cfg.RateLimiter()
	}
}

// WithTelemetry sets the telemetry hook for the client.
func WithTelemetry(h TelemetryHook) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.telemetry = h
		}
	}
}

// WithRetryPolicy sets the retry policy for the client.
func WithRetryPolicy(r RetryPolicy) ClientOption {
	return func(c *Client) {
		if r != nil {
			c.retry = r
		}
	}
}

// WithRateLimiter replaces the client's token bucket. Passing nil disables
// client-side rate limiting.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.limiter = rl
	}
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithSession opens a client over t, runs fn, and closes the client
// whether or not fn fails.
func WithSession(ctx context.Context, t Transport, fn func(ctx context.Context, c *Client) error, opts ...ClientOption) (err error) {
	c := NewClient(t, opts...)
	defer func() {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(ctx, c)
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// Config returns a copy of the client's configuration.
func (c *Client) Config() RouterConfig {
	return c.cfg
}

// SetSessionID tags subsequent inference requests with id.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// SessionID returns the current session tag.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Close releases the transport. It is safe to call more than once; later
// calls return the result of the first.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

func (c *Client) checkOpen(op Operation) error {
	select {
	case <-c.closed:
		return &RouterError{Kind: ErrRouter, Op: string(op), Transport: c.transport.Name(), Cause: ErrClientClosed}
	default:
		return nil
	}
}

func (c *Client) unary(ctx context.Context, call *Call, out any) error {
	if err := c.checkOpen(call.Op); err != nil {
		return err
	}
	if call.RequestID == "" {
		call.RequestID = uuid.NewString()
	}
	raw, err := c.dispatcher.Unary(ctx, call)
	if err != nil {
		return err
	}
	return decodeResponse(call, c.transport.Name(), raw, out)
}

func decodeResponse(call *Call, transport string, raw json.RawMessage, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RouterError{
			Kind:      ErrValidation,
			Op:        string(call.Op),
			Transport: transport,
			RequestID: call.RequestID,
			Message:   "decode response",
			Cause:     err,
		}
	}
	return nil
}

// Health checks the router.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	var report HealthReport
	if err := c.unary(ctx, &Call{Op: OpHealth}, &report); err != nil {
		return nil, err
	}
	if report.Status == "" {
		report.Status = HealthUnknown
	}
	return &report, nil
}

// Status returns the router's free-form status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	status := map[string]any{}
	if err := c.unary(ctx, &Call{Op: OpStatus}, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// Metrics returns the router's system metrics.
func (c *Client) Metrics(ctx context.Context) (*SystemMetrics, error) {
	var m SystemMetrics
	if err := c.unary(ctx, &Call{Op: OpMetrics}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// modelList accepts both {"models": [...]} and a bare array.
type modelList struct {
	Models []ModelInfo `json:"models"`
}

func (l *modelList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &l.Models)
	}
	type alias modelList
	return json.Unmarshal(data, (*alias)(l))
}

// ListModels lists loaded models, or every known model when
// includeUnloaded is set.
func (c *Client) ListModels(ctx context.Context, includeUnloaded bool) ([]ModelInfo, error) {
	var list modelList
	call := &Call{
		Op:     OpListModels,
		Params: map[string]string{"include_unloaded": strconv.FormatBool(includeUnloaded)},
		Body:   map[string]bool{"include_unloaded": includeUnloaded},
	}
	if err := c.unary(ctx, call, &list); err != nil {
		return nil, err
	}
	return list.Models, nil
}

// GetModel returns one model's details.
func (c *Client) GetModel(ctx context.Context, id ModelID) (*ModelInfo, error) {
	if id == "" {
		return nil, &RouterError{Kind: ErrValidation, Op: string(OpGetModel), Cause: ErrEmptyModelID}
	}
	var info ModelInfo
	call := &Call{
		Op:     OpGetModel,
		Model:  id,
		Params: map[string]string{"model_id": string(id)},
		Body:   map[string]string{"model_id": string(id)},
	}
	if err := c.unary(ctx, call, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// LoadModel asks the router to load a model. A result with Success false
// describes a load the router refused without failing the call.
func (c *Client) LoadModel(ctx context.Context, req LoadModelRequest) (*LoadModelResult, error) {
	if err := req.Validate(); err != nil {
		return nil, withOp(err, OpLoadModel)
	}
	var res LoadModelResult
	if err := c.unary(ctx, &Call{Op: OpLoadModel, Model: req.ID, Body: req}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UnloadModel asks the router to release a model.
func (c *Client) UnloadModel(ctx context.Context, id ModelID, force bool) (*LoadModelResult, error) {
	if id == "" {
		return nil, &RouterError{Kind: ErrValidation, Op: string(OpUnloadModel), Cause: ErrEmptyModelID}
	}
	req := UnloadModelRequest{ModelID: id, Force: force}
	var res LoadModelResult
	call := &Call{
		Op:     OpUnloadModel,
		Model:  id,
		Params: map[string]string{"model_id": string(id)},
		Body:   req,
	}
	if err := c.unary(ctx, call, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) prepare(req InferenceRequest, op Operation) (InferenceRequest, *Call, error) {
	if err := req.Validate(); err != nil {
		return req, nil, withOp(err, op)
	}
	if req.SessionID == "" {
		req.SessionID = c.SessionID()
	}
	if len(req.Options.StopSequences) > 0 {
		req.Options.StopSequences = append([]string(nil), req.Options.StopSequences...)
	}
	req.Options.Stream = op == OpStreamInference
	// The body and every error for this call share one id.
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	call := &Call{
		Op:        op,
		RequestID: req.RequestID,
		Model:     req.Model,
		Timeout:   req.Timeout,
		Body:      req,
	}
	return req, call, nil
}

// Inference runs a unary generation.
func (c *Client) Inference(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	_, call, err := c.prepare(req, OpInference)
	if err != nil {
		return nil, err
	}
	var resp InferenceResponse
	if err := c.unary(ctx, call, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &RouterError{
			Kind:      ErrInference,
			Op:        string(OpInference),
			Transport: c.transport.Name(),
			RequestID: call.RequestID,
			Message:   resp.Error,
		}
	}
	return &resp, nil
}

// StreamInference opens a token stream. The caller must drain or Close it.
func (c *Client) StreamInference(ctx context.Context, req InferenceRequest) (*InferenceStream, error) {
	_, call, err := c.prepare(req, OpStreamInference)
	if err != nil {
		return nil, err
	}
	if err := c.checkOpen(call.Op); err != nil {
		return nil, err
	}
	return c.dispatcher.Stream(ctx, call)
}

// RequestOption adjusts an InferenceRequest built by a convenience method.
type RequestOption func(*InferenceRequest)

// WithModel selects the model.
func WithModel(id ModelID) RequestOption {
	return func(r *InferenceRequest) { r.Model = id }
}

// WithMaxTokens caps the generated tokens.
func WithMaxTokens(n int) RequestOption {
	return func(r *InferenceRequest) { r.Options.MaxTokens = &n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(v float64) RequestOption {
	return func(r *InferenceRequest) { r.Options.Temperature = &v }
}

// WithTopP sets nucleus sampling.
func WithTopP(v float64) RequestOption {
	return func(r *InferenceRequest) { r.Options.TopP = &v }
}

// WithStopSequences sets the stop sequences.
func WithStopSequences(s ...string) RequestOption {
	return func(r *InferenceRequest) { r.Options.StopSequences = s }
}

// WithRequestTimeout overrides the client timeout for one request.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(r *InferenceRequest) { r.Timeout = d }
}

// NewInferenceRequest builds a request for prompt.
func NewInferenceRequest(prompt string, opts ...RequestOption) InferenceRequest {
	req := InferenceRequest{Prompt: prompt}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// QuickInference runs prompt with the router's default model.
func (c *Client) QuickInference(ctx context.Context, prompt string, opts ...RequestOption) (*InferenceResponse, error) {
	return c.Inference(ctx, NewInferenceRequest(prompt, opts...))
}

// ChatCompletion flattens a conversation into a prompt of "role: content"
// lines and runs it.
func (c *Client) ChatCompletion(ctx context.Context, messages []ChatMessage, opts ...RequestOption) (*InferenceResponse, error) {
	if len(messages) == 0 {
		return nil, &RouterError{Kind: ErrValidation, Op: string(OpInference), Cause: ErrNoChatHistory}
	}
	return c.Inference(ctx, NewInferenceRequest(ChatPrompt(messages), opts...))
}

// ChatPrompt renders messages the way ChatCompletion sends them.
func ChatPrompt(messages []ChatMessage) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = string(m.Role) + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

// Batch runs every request with bounded concurrency. Per-request failures
// are reported in their slots; the returned error covers only an invalid
// batch or a closed client.
func (c *Client) Batch(ctx context.Context, b BatchRequest) (*BatchResult, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := c.checkOpen("batch"); err != nil {
		return nil, err
	}
	return RunBatch(ctx, b.Requests, b.MaxConcurrent, b.Timeout, c.Inference), nil
}

// On registers handler for a push event. Only transports that implement
// EventSource deliver events; others return ErrNotSupported.
func (c *Client) On(event string, handler EventHandler) (unsubscribe func(), err error) {
	src, ok := c.transport.(EventSource)
	if !ok {
		return nil, &RouterError{Kind: ErrRouter, Op: "subscribe", Transport: c.transport.Name(), Cause: ErrNotSupported}
	}
	return src.Subscribe(event, handler), nil
}

func withOp(err error, op Operation) error {
	var re *RouterError
	if errors.As(err, &re) {
		re.Op = string(op)
	}
	return err
}

// Infer returns an InferenceBuilder for prompt.
func (c *Client) Infer(prompt string) *InferenceBuilder {
	return &InferenceBuilder{client: c, req: InferenceRequest{Prompt: prompt}}
}

// InferenceBuilder provides a fluent API for building inference requests.
// InferenceBuilder is NOT thread-safe and should not be shared across goroutines.
type InferenceBuilder struct {
	client *Client
	req    InferenceRequest
}

// Model selects the model.
func (b *InferenceBuilder) Model(id ModelID) *InferenceBuilder {
	b.req.Model = id
	return b
}

// MaxTokens sets the maximum tokens parameter.
func (b *InferenceBuilder) MaxTokens(n int) *InferenceBuilder {
	b.req.Options.MaxTokens = &n
	return b
}

// Temperature sets the temperature parameter.
func (b *InferenceBuilder) Temperature(v float64) *InferenceBuilder {
	b.req.Options.Temperature = &v
	return b
}

// TopP sets the nucleus sampling parameter.
func (b *InferenceBuilder) TopP(v float64) *InferenceBuilder {
	b.req.Options.TopP = &v
	return b
}

// TopK sets the top-k sampling parameter.
func (b *InferenceBuilder) TopK(n int) *InferenceBuilder {
	b.req.Options.TopK = &n
	return b
}

// Stop sets the stop sequences.
func (b *InferenceBuilder) Stop(seqs ...string) *InferenceBuilder {
	b.req.Options.StopSequences = seqs
	return b
}

// Seed fixes the sampling seed.
func (b *InferenceBuilder) Seed(v int64) *InferenceBuilder {
	b.req.Options.Seed = &v
	return b
}

// Metadata attaches a metadata entry.
func (b *InferenceBuilder) Metadata(key string, value any) *InferenceBuilder {
	if b.req.Metadata == nil {
		b.req.Metadata = map[string]any{}
	}
	b.req.Metadata[key] = value
	return b
}

// Timeout overrides the client timeout for this request.
func (b *InferenceBuilder) Timeout(d time.Duration) *InferenceBuilder {
	b.req.Timeout = d
	return b
}

// RequestID sets the request identifier instead of a generated one.
func (b *InferenceBuilder) RequestID(id string) *InferenceBuilder {
	b.req.RequestID = id
	return b
}

// Request returns a copy of the built request.
func (b *InferenceBuilder) Request() InferenceRequest {
	req := b.req
	if b.req.Metadata != nil {
		req.Metadata = make(map[string]any, len(b.req.Metadata))
		for k, v := range b.req.Metadata {
			req.Metadata[k] = v
		}
	}
	return req
}

// Get runs the request and waits for the complete response.
func (b *InferenceBuilder) Get(ctx context.Context) (*InferenceResponse, error) {
	return b.client.Inference(ctx, b.Request())
}

// Stream runs the request as a token stream.
func (b *InferenceBuilder) Stream(ctx context.Context) (*InferenceStream, error) {
	return b.client.StreamInference(ctx, b.Request())
}
