package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Defaults applied by DefaultConfig and WithDefaults.
const (
	DefaultBaseURL           = "http://localhost:3000"
	DefaultGRPCAddr          = "localhost:50051"
	DefaultTimeout           = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = time.Second
	DefaultMaxRetryDelay     = 60 * time.Second
	DefaultRequestsPerMinute = 100
	DefaultBurst             = 10
	DefaultUserAgent         = "llmrouter-go"
)

// Protocol selects the transport used by a client.
type Protocol string

// Supported protocols.
const (
	ProtocolHTTP      Protocol = "http"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolWebSocket Protocol = "websocket"
)

// RateLimitConfig configures the client-side token bucket.
// RequestsPerMinute of zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// RouterConfig describes how to reach a router. It is copied into the
// client at construction and never modified afterwards.
type RouterConfig struct {
	BaseURL       string
	GRPCAddr      string
	WebSocketURL  string
	Protocol      Protocol
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	APIKey        Secret
	UserAgent     string
	RateLimit     RateLimitConfig
}

// DefaultConfig returns the configuration for a router on localhost.
func DefaultConfig() RouterConfig {
	return RouterConfig{
		BaseURL:       DefaultBaseURL,
		GRPCAddr:      DefaultGRPCAddr,
		Protocol:      ProtocolHTTP,
		Timeout:       DefaultTimeout,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		UserAgent:     DefaultUserAgent,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: DefaultRequestsPerMinute,
			Burst:             DefaultBurst,
		},
	}
}

// WithDefaults fills unset fields. MaxRetries and RateLimit are taken as
// given since zero is meaningful for both.
func (c RouterConfig) WithDefaults() RouterConfig {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.GRPCAddr == "" {
		c.GRPCAddr = DefaultGRPCAddr
	}
	if c.WebSocketURL == "" {
		c.WebSocketURL = DeriveWebSocketURL(c.BaseURL)
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolHTTP
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// Validate reports configuration errors.
func (c RouterConfig) Validate() error {
	if c.MaxRetries < 0 {
		return ValidationError("config", "max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.Timeout < 0 {
		return ValidationError("config", "timeout must be positive, got %s", c.Timeout)
	}
	switch c.Protocol {
	case "", ProtocolHTTP, ProtocolGRPC, ProtocolWebSocket:
	default:
		return ValidationError("config", "unknown protocol %q", c.Protocol)
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ValidationError("config", "base url must be http(s)://host[:port], got %q", c.BaseURL)
		}
	}
	if c.WebSocketURL != "" {
		u, err := url.Parse(c.WebSocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return ValidationError("config", "websocket url must be ws(s)://..., got %q", c.WebSocketURL)
		}
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return ValidationError("config", "rate limit values must be >= 0")
	}
	return nil
}

// RetryPolicy builds the retry policy described by the configuration.
func (c RouterConfig) RetryPolicy() RetryPolicy {
	return NewRetryPolicy(RetryConfig{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryDelay,
		MaxDelay:   c.MaxRetryDelay,
		Jitter:     1.0,
	})
}

// RateLimiter builds the token bucket described by the configuration.
func (c RouterConfig) RateLimiter() *RateLimiter {
	if c.RateLimit.RequestsPerMinute <= 0 {
		return nil
	}
	burst := c.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}
	return NewRateLimiterPerMinute(c.RateLimit.RequestsPerMinute, burst)
}

// String renders the configuration with the API key redacted.
func (c RouterConfig) String() string {
	return fmt.Sprintf("RouterConfig{BaseURL:%s GRPCAddr:%s WebSocketURL:%s Protocol:%s Timeout:%s MaxRetries:%d APIKey:%s}",
		c.BaseURL, c.GRPCAddr, c.WebSocketURL, c.Protocol, c.Timeout, c.MaxRetries, c.APIKey)
}

// DeriveWebSocketURL maps an HTTP base URL to the router's WebSocket
// endpoint: http becomes ws, https becomes wss, path /ws.
func DeriveWebSocketURL(baseURL string) string {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return "ws://localhost:3000/ws"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}
