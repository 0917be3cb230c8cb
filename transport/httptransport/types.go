package httptransport

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/recordsync/logging"
)

// CorrelationHeader carries the client token that the server echoes into
// the change event produced by a create.
const CorrelationHeader = "X-Correlation-ID"

// ServerOptions configures the HTTP handler behavior
type ServerOptions struct {
	// MaxRequestSize is the maximum allowed size of incoming request bodies in bytes (compressed)
	// If 0, defaults to 1MB
	MaxRequestSize int64

	// MaxDecompressedSize is the maximum allowed size of decompressed request bodies in bytes
	// This prevents zip-bomb attacks when handling gzip-compressed requests
	// If 0, defaults to 4MB
	MaxDecompressedSize int64

	// CompressionEnabled enables gzip compression for responses
	// Responses larger than CompressionThreshold will be compressed
	CompressionEnabled bool

	// CompressionThreshold is the minimum size in bytes before responses are compressed
	CompressionThreshold int64

	// RequestTimeout bounds repository calls made for one request
	RequestTimeout time.Duration

	Logger *logging.Logger
}

// DefaultServerOptions returns the default server options
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       1 << 20, // 1MB
		MaxDecompressedSize:  4 << 20, // 4MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024,            // 1KB
		RequestTimeout:       30 * time.Second, // 30s
		Logger:               logging.WithComponent(logging.Component(component)),
	}
}

// ClientOptions configures the API client behavior
type ClientOptions struct {
	// MaxResponseSize is the maximum allowed size of response bodies in bytes
	// If 0, defaults to 10MB
	MaxResponseSize int64

	// RequestTimeout is the maximum duration for a single request
	RequestTimeout time.Duration

	// RetryMax is the number of retries for idempotent reads (List, Get).
	// Mutations are never retried.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the doubling wait between retries
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	Logger *logging.Logger
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		MaxResponseSize: 10 << 20,         // 10MB
		RequestTimeout:  15 * time.Second, // 15s
		RetryMax:        2,
		RetryWaitMin:    200 * time.Millisecond,
		RetryWaitMax:    2 * time.Second,
		Logger:          logging.WithComponent(logging.Component(component)),
	}
}

// ValidateClientOptions rejects option combinations that cannot work.
func ValidateClientOptions(opts *ClientOptions) error {
	if opts.MaxResponseSize < 0 {
		return fmt.Errorf("MaxResponseSize must be non-negative, got %d", opts.MaxResponseSize)
	}
	if opts.RetryMax < 0 {
		return fmt.Errorf("RetryMax must be non-negative, got %d", opts.RetryMax)
	}
	if opts.RetryWaitMax > 0 && opts.RetryWaitMin > opts.RetryWaitMax {
		return fmt.Errorf("RetryWaitMin (%v) exceeds RetryWaitMax (%v)", opts.RetryWaitMin, opts.RetryWaitMax)
	}
	return nil
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}
