package core

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestInferenceResponseSuccessDefault(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"text":"Paris","is_complete":true}`, true},
		{`{"text":"","success":false,"error":"boom"}`, false},
		{`{"text":"ok","success":true}`, true},
	}

	for _, tt := range tests {
		var resp InferenceResponse
		if err := json.Unmarshal([]byte(tt.body), &resp); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", tt.body, err)
		}
		if resp.Success != tt.want {
			t.Errorf("Unmarshal(%s).Success = %v, want %v", tt.body, resp.Success, tt.want)
		}
	}
}

func TestInferenceOptionsOmitUnset(t *testing.T) {
	data, err := json.Marshal(InferenceRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, key := range []string{"max_tokens", "temperature", "top_p", "seed", "model_id"} {
		if strings.Contains(string(data), key) {
			t.Errorf("Marshal() = %s should omit %s", data, key)
		}
	}
	if strings.Contains(string(data), "Timeout") {
		t.Errorf("Marshal() = %s should not carry the client-side timeout", data)
	}
}

func TestInferenceOptionsValidate(t *testing.T) {
	i := func(v int) *int { return &v }
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name string
		opts InferenceOptions
		ok   bool
	}{
		{"empty", InferenceOptions{}, true},
		{"max tokens low", InferenceOptions{MaxTokens: i(0)}, false},
		{"max tokens high", InferenceOptions{MaxTokens: i(8193)}, false},
		{"max tokens edge", InferenceOptions{MaxTokens: i(8192)}, true},
		{"temperature", InferenceOptions{Temperature: f(2.1)}, false},
		{"top p", InferenceOptions{TopP: f(1.5)}, false},
		{"top k", InferenceOptions{TopK: i(0)}, false},
		{"frequency penalty", InferenceOptions{FrequencyPenalty: f(-3)}, false},
		{"presence penalty", InferenceOptions{PresencePenalty: f(2)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate() = %v, want ErrValidation", err)
			}
		})
	}
}

func TestModelFormatValid(t *testing.T) {
	for _, f := range ModelFormats {
		if !f.Valid() {
			t.Errorf("%q should be valid", f)
		}
	}
	if ModelFormat("zip").Valid() {
		t.Error("zip should not be a valid format")
	}
}

func TestModelInfoHelpers(t *testing.T) {
	m := ModelInfo{ID: "llama-7b", Capabilities: []string{"text-generation", "streaming"}}
	if m.LoadState() != "unloaded" {
		t.Errorf("LoadState() = %q", m.LoadState())
	}
	if !m.HasCapability("streaming") || m.HasCapability("vision") {
		t.Error("HasCapability() mismatch")
	}
}

func TestHealthReportHealthy(t *testing.T) {
	for status, want := range map[HealthStatus]bool{
		HealthHealthy:     true,
		HealthDegraded:    true,
		HealthUnhealthy:   false,
		HealthMaintenance: false,
		HealthUnknown:     false,
	} {
		if got := (HealthReport{Status: status}).Healthy(); got != want {
			t.Errorf("Healthy(%s) = %v, want %v", status, got, want)
		}
	}
}
