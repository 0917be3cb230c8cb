package httptransport

import (
	"net/http"
	"time"

	"github.com/c0deZ3R0/recordsync/logging"
)

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

// WithRequestTimeout sets the maximum duration for request processing
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithServerLogger sets the handler logger
func WithServerLogger(l *logging.Logger) ServerOption {
	return func(opts *ServerOptions) {
		if l != nil {
			opts.Logger = l
		}
	}
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) {
		c.http = cl
	}
}

// WithMaxResponseSize sets the maximum allowed size of response bodies
func WithMaxResponseSize(size int64) ClientOption {
	return func(c *Client) {
		c.options.MaxResponseSize = size
	}
}

// WithRetryConfig sets the retry configuration for failed reads
func WithRetryConfig(maxAttempts int, waitMin, waitMax time.Duration) ClientOption {
	return func(c *Client) {
		c.options.RetryMax = maxAttempts
		c.options.RetryWaitMin = waitMin
		c.options.RetryWaitMax = waitMax
	}
}

// WithClientTimeout sets the timeout for all requests
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.options.RequestTimeout = timeout
	}
}

// WithClientLogger sets the client logger
func WithClientLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.options.Logger = l
		}
	}
}

// applyServerOptions creates a new ServerOptions with the given options applied
func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
