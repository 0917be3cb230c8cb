package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/transport/httptransport"
)

// Options configures a Server.
type Options struct {
	Addr string

	// AllowedOrigin is sent as Access-Control-Allow-Origin and enforced on
	// websocket upgrades. Empty disables CORS headers; "*" allows any origin.
	AllowedOrigin string

	// BufferSize is the per-subscriber queue length of the bus.
	BufferSize int

	ShutdownTimeout time.Duration

	// Registry receives the server metrics and backs GET /metrics.
	Registry *prometheus.Registry

	HandlerOptions []httptransport.ServerOption
	Logger         *logging.Logger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		Addr:            ":3001",
		AllowedOrigin:   "*",
		ShutdownTimeout: 10 * time.Second,
		Logger:          logging.WithComponent(logging.Component(component)),
	}
}

// Option is a function that configures an Options struct
type Option func(*Options)

// WithAddr sets the listen address used by Run.
func WithAddr(addr string) Option {
	return func(opts *Options) {
		if addr != "" {
			opts.Addr = addr
		}
	}
}

// WithAllowedOrigin sets the origin allowed for browser clients.
func WithAllowedOrigin(origin string) Option {
	return func(opts *Options) {
		opts.AllowedOrigin = origin
	}
}

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return func(opts *Options) {
		opts.BufferSize = n
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.ShutdownTimeout = d
		}
	}
}

// WithRegistry sets the Prometheus registry. Defaults to a fresh one.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(opts *Options) {
		opts.Registry = reg
	}
}

// WithHandlerOptions passes options to the record endpoints.
func WithHandlerOptions(handlerOpts ...httptransport.ServerOption) Option {
	return func(opts *Options) {
		opts.HandlerOptions = append(opts.HandlerOptions, handlerOpts...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(opts *Options) {
		if l != nil {
			opts.Logger = l
		}
	}
}

func applyOptions(opts ...Option) *Options {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
