package rpc

import (
	"crypto/tls"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/petal-labs/llmrouter/core"
)

// Config holds the configuration for the gRPC transport.
type Config struct {
	// Addr is the router's host:port. Defaults to core.DefaultGRPCAddr.
	Addr string

	// APIKey is sent in the authorization metadata when set.
	APIKey core.Secret

	// Insecure forces plaintext even for non-local addresses.
	Insecure bool

	// TLS configures the TLS credentials for non-local addresses.
	TLS *tls.Config

	// UserAgent is sent as the gRPC user agent prefix.
	UserAgent string

	// DialOptions are appended to the transport's own options.
	DialOptions []grpc.DialOption

	// Logger receives connection-level debug logs.
	Logger zerolog.Logger
}

// Option configures the gRPC transport.
type Option func(*Config)

// WithAddr sets the router address.
func WithAddr(addr string) Option {
	return func(c *Config) {
		c.Addr = addr
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = core.NewSecret(key)
	}
}

// WithSecret sets the API key from an existing secret.
func WithSecret(key core.Secret) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithInsecure disables TLS regardless of address.
func WithInsecure() Option {
	return func(c *Config) {
		c.Insecure = true
	}
}

// WithTLS sets the TLS configuration for remote routers.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Config) {
		c.TLS = cfg
	}
}

// WithUserAgent sets the user agent.
func WithUserAgent(ua string) Option {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithDialOptions appends grpc dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Config) {
		c.DialOptions = append(c.DialOptions, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
