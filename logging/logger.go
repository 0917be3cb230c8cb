// Package logging provides structured logging for recordsync on top of log/slog.
package logging

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/c0deZ3R0/recordsync/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format      string `json:"format" yaml:"format"`           // text, json
	AddSource   bool   `json:"add_source" yaml:"add_source"`   // whether to add source code information
	Environment string `json:"environment" yaml:"environment"` // development, production, test
}

// DefaultConfig is used when nothing else is configured.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: EnvProduction,
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Operation is a log-friendly operation name.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component is a log-friendly component name.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer renders a SyncError as a structured group.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", string(e.Code)))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// ParseLevel maps a textual level to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new logger writing to stdout.
func NewLogger(config Config) *Logger {
	return NewLoggerTo(os.Stdout, config)
}

// NewLoggerTo creates a new logger writing to w.
func NewLoggerTo(w io.Writer, config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything. Tests use it to keep output quiet.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Init initializes the global logger with the provided configuration
func Init(config Config) {
	l := NewLogger(config)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Default returns the default logger instance
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(DefaultConfig)
	}
	return defaultLogger
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithResource creates a child logger scoped to one resource type.
func (l *Logger) WithResource(resource string) *Logger {
	return &Logger{Logger: l.With(slog.String("resource", resource))}
}

// WithChannel creates a child logger scoped to one delivery channel.
func (l *Logger) WithChannel(channel string) *Logger {
	return &Logger{Logger: l.With(slog.String("channel", channel))}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+2)

	var syncErr *errors.SyncError
	if stderrors.As(err, &syncErr) {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else if err != nil {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		fn := runtime.FuncForPC(pc)
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", fn.Name()),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op)

	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
		)
		return err
	}

	opLogger.DebugContext(ctx, "operation completed",
		slog.Duration("duration", duration),
	)
	return nil
}

// WithComponent creates a component logger from the default logger.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
