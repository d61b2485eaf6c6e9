package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petal-labs/llmrouter/core"
)

// Defaults for connection upkeep.
const (
	DefaultPingInterval = 20 * time.Second
	DefaultPongWait     = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Config holds the configuration for the WebSocket transport.
type Config struct {
	// URL is the router's ws:// or wss:// endpoint.
	URL string

	// APIKey is sent as a bearer token on the handshake.
	APIKey core.Secret

	// Headers are added to the handshake request.
	Headers http.Header

	// UserAgent identifies the client on the handshake.
	UserAgent string

	// Dialer opens the connection. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// PingInterval is the keepalive period. Zero disables pings and the
	// read deadline they maintain.
	PingInterval time.Duration

	// PongWait is how long past a ping the server may stay silent.
	PongWait time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// Logger receives connection-level logs.
	Logger zerolog.Logger
}

// Option configures the WebSocket transport.
type Option func(*Config)

// WithURL sets the endpoint.
func WithURL(url string) Option {
	return func(c *Config) {
		c.URL = url
	}
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = core.NewSecret(key)
	}
}

// WithSecret sets the bearer token from an existing secret.
func WithSecret(key core.Secret) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithHeaders sets additional handshake headers.
func WithHeaders(h http.Header) Option {
	return func(c *Config) {
		c.Headers = h
	}
}

// WithUserAgent sets the User-Agent handshake header.
func WithUserAgent(ua string) Option {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithDialer sets the dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithPingInterval sets the keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
