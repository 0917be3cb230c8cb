package bus

import (
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/metrics"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

// Options configures a Bus.
type Options struct {
	// BufferSize is the queue length of every subscriber. Messages published
	// while a queue is full are dropped for that subscriber.
	BufferSize int
	Logger     *logging.Logger
	Metrics    metrics.Collector
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		BufferSize: DefaultBufferSize,
		Logger:     logging.WithComponent(logging.Component("bus")),
		Metrics:    metrics.NoOp{},
	}
}

// Option is a function that configures an Options struct
type Option func(*Options)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return func(opts *Options) {
		if n > 0 {
			opts.BufferSize = n
		}
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

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(opts *Options) {
		opts.Metrics = metrics.OrNoOp(m)
	}
}

func applyOptions(opts ...Option) *Options {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
