package routertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/llmrouter/core"
)

// Backend answers router operations for a Server. Errors should be
// *core.RouterError values; their Kind decides the status code, gRPC code
// or error code each protocol answers with.
type Backend interface {
	Health(ctx context.Context) (core.HealthReport, error)
	Status(ctx context.Context) (map[string]any, error)
	Metrics(ctx context.Context) (core.SystemMetrics, error)
	ListModels(ctx context.Context, includeUnloaded bool) ([]core.ModelInfo, error)
	GetModel(ctx context.Context, id core.ModelID) (core.ModelInfo, error)
	LoadModel(ctx context.Context, req core.LoadModelRequest) (core.LoadModelResult, error)
	UnloadModel(ctx context.Context, req core.UnloadModelRequest) (core.LoadModelResult, error)
	Inference(ctx context.Context, req core.InferenceRequest) (core.InferenceResponse, error)
	// StreamInference calls emit for every chunk, ending with a chunk that
	// has IsComplete set. An error after the first emit is reported to the
	// client in-band.
	StreamInference(ctx context.Context, req core.InferenceRequest, emit func(core.StreamChunk) error) error
}

// DefaultModel is loaded in every new Fake.
const DefaultModel core.ModelID = "tinyllama"

// Fake is an in-memory Backend. Replies are looked up by exact prompt,
// falling back to an echo of the prompt. It is safe for concurrent use.
type Fake struct {
	// Delay, when set, is waited before answering an inference.
	Delay func(req core.InferenceRequest) time.Duration
	// TokenDelay is waited between streamed chunks.
	TokenDelay time.Duration

	mu          sync.Mutex
	models      map[core.ModelID]core.ModelInfo
	replies     map[string]string
	failures    map[core.Operation][]error
	streamBreak int
	streamErr   error
	calls       map[core.Operation]int
	requests    []core.InferenceRequest
	started     time.Time
}

// NewFake returns a Fake with DefaultModel loaded and a reply for the
// capital of France.
func NewFake() *Fake {
	f := &Fake{
		models:   make(map[core.ModelID]core.ModelInfo),
		replies:  make(map[string]string),
		failures: make(map[core.Operation][]error),
		calls:    make(map[core.Operation]int),
		started:  time.Now(),
	}
	now := time.Now().UTC()
	f.models[DefaultModel] = core.ModelInfo{
		ID:           DefaultModel,
		Name:         "TinyLlama 1.1B",
		Format:       core.FormatGGUF,
		Source:       "./models/tinyllama.gguf",
		Loaded:       true,
		LoadTime:     &now,
		MemoryUsage:  1 << 30,
		Capabilities: []string{"text-generation", "streaming"},
	}
	f.replies["What is the capital of France?"] = "Paris"
	return f
}

// SetReply makes prompt answer with text.
func (f *Fake) SetReply(prompt, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[prompt] = text
}

// AddModel registers a model.
func (f *Fake) AddModel(info core.ModelInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[info.ID] = info
}

// FailNext makes the next n calls of op fail with err. A bare kind
// sentinel such as core.ErrNetwork is wrapped in a RouterError.
func (f *Fake) FailNext(op core.Operation, err error, n int) {
	var re *core.RouterError
	if e, ok := err.(*core.RouterError); ok {
		re = e
	} else {
		re = &core.RouterError{Kind: err, Message: "injected " + err.Error()}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures[op] = append(f.failures[op], re)
	}
}

// FailStreamAfter makes streams fail with err after n chunks.
func (f *Fake) FailStreamAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamBreak = n
	f.streamErr = err
}

// Calls returns how many times op reached the backend.
func (f *Fake) Calls(op core.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Requests returns every inference request received, in arrival order.
func (f *Fake) Requests() []core.InferenceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.InferenceRequest(nil), f.requests...)
}

// enter counts a call and pops an injected failure.
func (f *Fake) enter(op core.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) Health(ctx context.Context) (core.HealthReport, error) {
	if err := f.enter(core.OpHealth); err != nil {
		return core.HealthReport{}, err
	}
	now := time.Now().UTC()
	return core.HealthReport{
		Status:        core.HealthHealthy,
		Message:       "ok",
		Version:       "routertest",
		UptimeSeconds: time.Since(f.started).Seconds(),
		Timestamp:     &now,
	}, nil
}

func (f *Fake) Status(ctx context.Context) (map[string]any, error) {
	if err := f.enter(core.OpStatus); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	loaded := 0
	for _, m := range f.models {
		if m.Loaded {
			loaded++
		}
	}
	return map[string]any{
		"status":        "running",
		"loaded_models": loaded,
		"total_models":  len(f.models),
	}, nil
}

func (f *Fake) Metrics(ctx context.Context) (core.SystemMetrics, error) {
	if err := f.enter(core.OpMetrics); err != nil {
		return core.SystemMetrics{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := core.SystemMetrics{CPUUsage: 12.5, MemoryUsage: 40, RequestsTotal: int64(len(f.requests))}
	for _, info := range f.models {
		if info.Loaded {
			m.LoadedModels++
		}
	}
	return m, nil
}

func (f *Fake) ListModels(ctx context.Context, includeUnloaded bool) ([]core.ModelInfo, error) {
	if err := f.enter(core.OpListModels); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.ModelInfo, 0, len(f.models))
	for _, m := range f.models {
		if m.Loaded || includeUnloaded {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) GetModel(ctx context.Context, id core.ModelID) (core.ModelInfo, error) {
	if err := f.enter(core.OpGetModel); err != nil {
		return core.ModelInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return core.ModelInfo{}, notFound(id)
	}
	return m, nil
}

func (f *Fake) LoadModel(ctx context.Context, req core.LoadModelRequest) (core.LoadModelResult, error) {
	if err := f.enter(core.OpLoadModel); err != nil {
		return core.LoadModelResult{}, err
	}
	if err := req.Validate(); err != nil {
		return core.LoadModelResult{}, err
	}
	id := req.ID
	if id == "" {
		base := req.Source[strings.LastIndexAny(req.Source, "/\\")+1:]
		id = core.ModelID(strings.TrimSuffix(base, "."+string(req.Format)))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.models[id]; ok && m.Loaded && !req.ForceReload {
		return core.LoadModelResult{Success: false, Message: fmt.Sprintf("model %s already loaded", id), Model: &m}, nil
	}
	now := time.Now().UTC()
	name := req.Name
	if name == "" {
		name = string(id)
	}
	m := core.ModelInfo{
		ID:           id,
		Name:         name,
		Format:       req.Format,
		Source:       req.Source,
		Loaded:       true,
		LoadTime:     &now,
		Parameters:   req.Parameters,
		Capabilities: []string{"text-generation", "streaming"},
	}
	f.models[id] = m
	return core.LoadModelResult{Success: true, Message: fmt.Sprintf("model %s loaded", id), Model: &m}, nil
}

func (f *Fake) UnloadModel(ctx context.Context, req core.UnloadModelRequest) (core.LoadModelResult, error) {
	if err := f.enter(core.OpUnloadModel); err != nil {
		return core.LoadModelResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[req.ModelID]
	if !ok {
		return core.LoadModelResult{}, notFound(req.ModelID)
	}
	m.Loaded = false
	m.LoadTime = nil
	f.models[req.ModelID] = m
	return core.LoadModelResult{Success: true, Message: fmt.Sprintf("model %s unloaded", req.ModelID), Model: &m}, nil
}

// generate resolves the reply for req after the injected delay.
func (f *Fake) generate(ctx context.Context, op core.Operation, req core.InferenceRequest) (core.ModelID, string, error) {
	if err := f.enter(op); err != nil {
		return "", "", err
	}
	if err := req.Validate(); err != nil {
		return "", "", err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	info, ok := f.models[model]
	text, hasReply := f.replies[req.Prompt]
	f.mu.Unlock()

	if !ok || !info.Loaded {
		return "", "", notFound(model)
	}
	if !hasReply {
		text = "Echo: " + req.Prompt
	}
	if req.Options.MaxTokens != nil {
		if words := strings.Fields(text); len(words) > *req.Options.MaxTokens {
			text = strings.Join(words[:*req.Options.MaxTokens], " ")
		}
	}

	if f.Delay != nil {
		if d := f.Delay(req); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return "", "", &core.RouterError{Kind: core.ErrTimeout, Message: "generation abandoned", Cause: ctx.Err()}
			}
		}
	}
	return model, text, nil
}

func usageFor(prompt, text string) *core.TokenUsage {
	p, c := len(strings.Fields(prompt)), len(strings.Fields(text))
	return &core.TokenUsage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

func (f *Fake) Inference(ctx context.Context, req core.InferenceRequest) (core.InferenceResponse, error) {
	start := time.Now()
	model, text, err := f.generate(ctx, core.OpInference, req)
	if err != nil {
		return core.InferenceResponse{}, err
	}
	usage := usageFor(req.Prompt, text)
	return core.InferenceResponse{
		Text:       text,
		Model:      model,
		Success:    true,
		IsComplete: true,
		Usage:      usage,
		Metrics: &core.InferenceMetrics{
			LatencyMS:       float64(time.Since(start).Microseconds()) / 1000,
			TokensGenerated: usage.CompletionTokens,
		},
	}, nil
}

func (f *Fake) StreamInference(ctx context.Context, req core.InferenceRequest, emit func(core.StreamChunk) error) error {
	model, text, err := f.generate(ctx, core.OpStreamInference, req)
	if err != nil {
		return err
	}
	f.mu.Lock()
	breakAfter, breakErr := f.streamBreak, f.streamErr
	f.mu.Unlock()

	for i, tok := range splitTokens(text) {
		if breakErr != nil && i == breakAfter {
			return breakErr
		}
		if i > 0 && f.TokenDelay > 0 {
			select {
			case <-time.After(f.TokenDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := emit(core.StreamChunk{Token: tok, Model: model}); err != nil {
			return err
		}
	}
	return emit(core.StreamChunk{IsComplete: true, Model: model, Usage: usageFor(req.Prompt, text)})
}

// splitTokens splits text into word tokens that concatenate back to text.
func splitTokens(text string) []string {
	words := strings.Fields(text)
	for i := 1; i < len(words); i++ {
		words[i] = " " + words[i]
	}
	return words
}

func notFound(id core.ModelID) error {
	return &core.RouterError{Kind: core.ErrModelNotFound, Message: fmt.Sprintf("model %q not found", id)}
}

var _ Backend = (*Fake)(nil)
