package core

import (
	"encoding/json"
	"time"
)

// ModelID identifies a model known to the router.
type ModelID string

// ModelFormat is the on-disk format of a model artifact.
type ModelFormat string

// Model formats accepted by the router's loader.
const (
	FormatGGUF        ModelFormat = "gguf"
	FormatONNX        ModelFormat = "onnx"
	FormatSafetensors ModelFormat = "safetensors"
	FormatHuggingFace ModelFormat = "huggingface"
	FormatPyTorch     ModelFormat = "pytorch"
	FormatTensorFlow  ModelFormat = "tensorflow"
)

// ModelFormats lists every format the router understands.
var ModelFormats = []ModelFormat{
	FormatGGUF, FormatONNX, FormatSafetensors, FormatHuggingFace, FormatPyTorch, FormatTensorFlow,
}

// Valid reports whether f is a known format.
func (f ModelFormat) Valid() bool {
	for _, known := range ModelFormats {
		if f == known {
			return true
		}
	}
	return false
}

// InferenceOptions are the generation parameters recognized by the router.
// Nil fields are omitted on the wire so the server default applies.
type InferenceOptions struct {
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	Stream           bool     `json:"stream,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

// Validate checks option ranges.
func (o InferenceOptions) Validate() error {
	const op = "validate"
	if o.MaxTokens != nil && (*o.MaxTokens < 1 || *o.MaxTokens > 8192) {
		return ValidationError(op, "max_tokens must be in [1, 8192], got %d", *o.MaxTokens)
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return ValidationError(op, "temperature must be in [0, 2], got %g", *o.Temperature)
	}
	if o.TopP != nil && (*o.TopP < 0 || *o.TopP > 1) {
		return ValidationError(op, "top_p must be in [0, 1], got %g", *o.TopP)
	}
	if o.TopK != nil && *o.TopK < 1 {
		return ValidationError(op, "top_k must be at least 1, got %d", *o.TopK)
	}
	if o.FrequencyPenalty != nil && (*o.FrequencyPenalty < -2 || *o.FrequencyPenalty > 2) {
		return ValidationError(op, "frequency_penalty must be in [-2, 2], got %g", *o.FrequencyPenalty)
	}
	if o.PresencePenalty != nil && (*o.PresencePenalty < -2 || *o.PresencePenalty > 2) {
		return ValidationError(op, "presence_penalty must be in [-2, 2], got %g", *o.PresencePenalty)
	}
	return nil
}

// InferenceRequest is a single prompt for the router. It is passed by value
// and never mutated after dispatch.
type InferenceRequest struct {
	Prompt    string           `json:"prompt"`
	Model     ModelID          `json:"model_id,omitempty"`
	Options   InferenceOptions `json:"options"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	// Timeout overrides the client timeout for this request when positive.
	Timeout time.Duration `json:"-"`
}

// Validate checks the request before it is dispatched.
func (r InferenceRequest) Validate() error {
	if r.Prompt == "" {
		return &RouterError{Kind: ErrValidation, Op: "validate", Cause: ErrEmptyPrompt}
	}
	return r.Options.Validate()
}

// TokenUsage reports token counts for one request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// InferenceMetrics is the server's timing report for one request.
type InferenceMetrics struct {
	LatencyMS       float64 `json:"latency_ms"`
	TokensGenerated int     `json:"tokens_generated"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	MemoryUsedMB    float64 `json:"memory_used_mb,omitempty"`
	QueueTimeMS     float64 `json:"queue_time_ms,omitempty"`
	ProcessingMS    float64 `json:"processing_time_ms,omitempty"`
}

// InferenceResponse is a completed generation.
type InferenceResponse struct {
	Text       string            `json:"text"`
	Model      ModelID           `json:"model_id,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	IsComplete bool              `json:"is_complete"`
	Usage      *TokenUsage       `json:"usage,omitempty"`
	Metrics    *InferenceMetrics `json:"metrics,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// UnmarshalJSON treats a missing success field as true.
func (r *InferenceResponse) UnmarshalJSON(data []byte) error {
	type alias InferenceResponse
	aux := struct {
		*alias
		Success *bool `json:"success"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Success = aux.Success == nil || *aux.Success
	return nil
}

// StreamChunk is one fragment of a streamed generation. Index is the
// position in the stream as observed by the client.
type StreamChunk struct {
	Token      string            `json:"token"`
	Index      int               `json:"index"`
	IsComplete bool              `json:"is_complete"`
	Model      ModelID           `json:"model_id,omitempty"`
	Usage      *TokenUsage       `json:"usage,omitempty"`
	Metrics    *InferenceMetrics `json:"metrics,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ModelInfo is the router's view of a model.
type ModelInfo struct {
	ID           ModelID        `json:"id"`
	Name         string         `json:"name"`
	Format       ModelFormat    `json:"format"`
	Source       string         `json:"source,omitempty"`
	Loaded       bool           `json:"loaded"`
	LoadTime     *time.Time     `json:"load_time,omitempty"`
	MemoryUsage  int64          `json:"memory_usage,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Version      string         `json:"version,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// LoadState reports "loaded" or "unloaded".
func (m ModelInfo) LoadState() string {
	if m.Loaded {
		return "loaded"
	}
	return "unloaded"
}

// HasCapability reports whether the model advertises capability c.
func (m ModelInfo) HasCapability(c string) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// LoadModelRequest asks the router to load a model artifact.
type LoadModelRequest struct {
	Source      string         `json:"source"`
	Format      ModelFormat    `json:"format,omitempty"`
	ID          ModelID        `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	ForceReload bool           `json:"force_reload,omitempty"`
}

// Validate checks the request before it is dispatched.
func (r LoadModelRequest) Validate() error {
	if r.Source == "" {
		return &RouterError{Kind: ErrValidation, Op: "validate", Cause: ErrEmptySource}
	}
	if r.Format != "" && !r.Format.Valid() {
		return ValidationError("validate", "unknown model format %q", r.Format)
	}
	return nil
}

// LoadModelResult is the router's answer to a load or unload.
type LoadModelResult struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Model   *ModelInfo `json:"model,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// UnloadModelRequest asks the router to release a model.
type UnloadModelRequest struct {
	ModelID ModelID `json:"model_id"`
	Force   bool    `json:"force,omitempty"`
}

// HealthStatus is the router's self-reported health.
type HealthStatus string

// Health states.
const (
	HealthUnknown     HealthStatus = "UNKNOWN"
	HealthHealthy     HealthStatus = "HEALTHY"
	HealthUnhealthy   HealthStatus = "UNHEALTHY"
	HealthDegraded    HealthStatus = "DEGRADED"
	HealthMaintenance HealthStatus = "MAINTENANCE"
)

// HealthReport is the body of a health check.
type HealthReport struct {
	Status        HealthStatus   `json:"status"`
	Message       string         `json:"message,omitempty"`
	Version       string         `json:"version,omitempty"`
	UptimeSeconds float64        `json:"uptime_seconds,omitempty"`
	Timestamp     *time.Time     `json:"timestamp,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Healthy reports whether the router accepts work.
func (h HealthReport) Healthy() bool {
	return h.Status == HealthHealthy || h.Status == HealthDegraded
}

// ModelMetrics are per-model counters reported by the router.
type ModelMetrics struct {
	ModelID          ModelID `json:"model_id"`
	RequestCount     int64   `json:"request_count"`
	TotalTokens      int64   `json:"total_tokens"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	ErrorCount       int64   `json:"error_count"`
}

// SystemMetrics are host-level counters reported by the router.
type SystemMetrics struct {
	CPUUsage       float64        `json:"cpu_usage"`
	MemoryUsage    float64        `json:"memory_usage"`
	MemoryTotalMB  float64        `json:"memory_total_mb,omitempty"`
	GPUUsage       *float64       `json:"gpu_usage,omitempty"`
	ActiveRequests int            `json:"active_requests"`
	QueuedRequests int            `json:"queued_requests"`
	LoadedModels   int            `json:"loaded_models"`
	RequestsTotal  int64          `json:"requests_total,omitempty"`
	Models         []ModelMetrics `json:"models,omitempty"`
}

// Role is the author of a chat message.
type Role string

// Chat roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn in a conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
