// Package config loads the llm-router CLI configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"math"
	"runtime"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/llmrouter/core"
)

// APIKeyEnv names the environment variable consulted for the router key.
const APIKeyEnv = "LLM_ROUTER_API_KEY"

// Config is the CLI configuration. Empty fields leave the client default
// in place.
type Config struct {
	URL          string `json:"url" yaml:"url" toml:"url"`
	GRPCAddr     string `json:"grpc_addr" yaml:"grpc_addr" toml:"grpc_addr"`
	WebSocketURL string `json:"ws_url" yaml:"ws_url" toml:"ws_url"`
	Protocol     string `json:"protocol" yaml:"protocol" toml:"protocol"`
	// Timeout and RetryDelay are seconds (30, 2.5) or duration strings ("30s").
	Timeout    any         `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxRetries *int        `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RetryDelay any         `json:"retry_delay" yaml:"retry_delay" toml:"retry_delay"`
	APIKey     core.Secret `json:"api_key" yaml:"api_key" toml:"api_key"`
	// APIKeyRef names a keystore entry holding the key.
	APIKeyRef    string     `json:"api_key_ref" yaml:"api_key_ref" toml:"api_key_ref"`
	DefaultModel string     `json:"default_model" yaml:"default_model" toml:"default_model"`
	LogLevel     string     `json:"log_level" yaml:"log_level" toml:"log_level"`
	RateLimit    *RateLimit `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimit mirrors core.RateLimitConfig. A zero RequestsPerMinute turns
// client-side limiting off.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `json:"burst" yaml:"burst" toml:"burst"`
}

// DefaultConfigPath returns the default configuration file path for the current platform.
// - macOS/Linux: ~/.llm-router/config.yaml
// - Windows: %USERPROFILE%\.llm-router\config.yaml
func DefaultConfigPath() string {
	var homeDir string

	if runtime.GOOS == "windows" {
		homeDir = os.Getenv("USERPROFILE")
	} else {
		homeDir = os.Getenv("HOME")
	}

	if homeDir == "" {
		return "config.yaml"
	}

	return filepath.Join(homeDir, ".llm-router", "config.yaml")
}

// LoadConfig reads path, choosing the decoder by extension (.yaml, .yml,
// .toml, .json). A missing file yields an empty config without error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".json":
		if len(strings.TrimSpace(string(data))) > 0 {
			err = json.Unmarshal(data, cfg)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q (want .yaml, .toml or .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// RouterConfig overlays the file settings on core.DefaultConfig.
func (c *Config) RouterConfig() (core.RouterConfig, error) {
	rc := core.DefaultConfig()
	if c == nil {
		return rc, nil
	}
	if c.URL != "" {
		rc.BaseURL = c.URL
	}
	if c.GRPCAddr != "" {
		rc.GRPCAddr = c.GRPCAddr
	}
	rc.WebSocketURL = c.WebSocketURL
	if c.Protocol != "" {
		p, err := ParseProtocol(c.Protocol)
		if err != nil {
			return rc, err
		}
		rc.Protocol = p
	}
	if d, ok, err := durationSetting(c.Timeout); err != nil {
		return rc, fmt.Errorf("timeout: %w", err)
	} else if ok {
		rc.Timeout = d
	}
	if d, ok, err := durationSetting(c.RetryDelay); err != nil {
		return rc, fmt.Errorf("retry_delay: %w", err)
	} else if ok {
		rc.RetryDelay = d
	}
	if c.MaxRetries != nil {
		rc.MaxRetries = *c.MaxRetries
	}
	if c.RateLimit != nil {
		rc.RateLimit = core.RateLimitConfig{
			RequestsPerMinute: c.RateLimit.RequestsPerMinute,
			Burst:             c.RateLimit.Burst,
		}
	}
	rc.APIKey = c.APIKey
	return rc, rc.Validate()
}

// ParseProtocol accepts the protocol names used on the command line.
func ParseProtocol(s string) (core.Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "https", "rest":
		return core.ProtocolHTTP, nil
	case "grpc":
		return core.ProtocolGRPC, nil
	case "ws", "wss", "websocket":
		return core.ProtocolWebSocket, nil
	}
	return "", core.ValidationError("config", "unknown protocol %q (want http, grpc or websocket)", s)
}

// ParseDuration reads a duration written as seconds ("30", "2.5") or in Go
// syntax ("30s", "1m30s").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return seconds(secs)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: want seconds or a value like 30s", s)
	}
	return d, nil
}

func seconds(v float64) (time.Duration, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("invalid duration %v", v)
	}
	return time.Duration(v * float64(time.Second)), nil
}

// durationSetting converts a decoded config value. Decoders hand numbers
// over as int, int64, uint64 or float64 depending on the format.
func durationSetting(v any) (time.Duration, bool, error) {
	var (
		d   time.Duration
		err error
	)
	switch v := v.(type) {
	case nil:
		return 0, false, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, false, nil
		}
		d, err = ParseDuration(v)
	case int:
		d, err = seconds(float64(v))
	case int64:
		d, err = seconds(float64(v))
	case uint64:
		d, err = seconds(float64(v))
	case float64:
		d, err = seconds(v)
	default:
		err = fmt.Errorf("unsupported value %v", v)
	}
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}
