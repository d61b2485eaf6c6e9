package rest

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/petal-labs/llmrouter/core"
)

// DefaultAPIPrefix is the path prefix of every REST endpoint.
const DefaultAPIPrefix = "/api/v1"

// maxResponseBytes bounds unary response bodies.
const maxResponseBytes = 32 << 20

// Config holds the configuration for the REST transport.
type Config struct {
	// BaseURL is the router's HTTP origin. Defaults to core.DefaultBaseURL.
	BaseURL string

	// APIPrefix is prepended to every endpoint path.
	APIPrefix string

	// APIKey is sent as a bearer token when set.
	APIKey core.Secret

	// HTTPClient performs requests. When nil the transport creates its own
	// client on first use and releases its idle connections on Close.
	HTTPClient *http.Client

	// Headers are added to every request.
	Headers http.Header

	// UserAgent identifies the client.
	UserAgent string

	// Logger receives request-level debug logs.
	Logger zerolog.Logger
}

// Option configures the REST transport.
type Option func(*Config)

// WithBaseURL sets the router's HTTP origin.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithAPIPrefix overrides DefaultAPIPrefix.
func WithAPIPrefix(prefix string) Option {
	return func(c *Config) {
		c.APIPrefix = prefix
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

// WithHTTPClient sets a custom HTTP client. The transport never closes
// connections of a client it did not create.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithHeaders sets additional headers to include in requests.
func WithHeaders(headers http.Header) Option {
	return func(c *Config) {
		c.Headers = headers
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
