// Package server assembles the record server: mutation endpoints, both
// delivery channels, health and metrics, on one mux.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c0deZ3R0/recordsync/bus"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/metrics"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/transport/httptransport"
	"github.com/c0deZ3R0/recordsync/transport/sse"
	"github.com/c0deZ3R0/recordsync/transport/ws"
)

const component = "server"

// Relay feeds changes made outside this process into the bus.
type Relay interface {
	Start(ctx context.Context) error
	Close() error
}

// Server owns the repository, the bus and an optional relay; Close releases
// all three.
type Server struct {
	repo    records.Repository
	bus     *bus.Bus
	relay   Relay
	handler http.Handler
	logger  *logging.Logger
	options *Options

	closing   atomic.Bool
	closeOnce stdSync.Once
	closeErr  error
}

// New wires the endpoints for repo.
func New(repo records.Repository, opts ...Option) (*Server, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	options := applyOptions(opts...)
	if options.Registry == nil {
		options.Registry = prometheus.NewRegistry()
	}
	collector, err := metrics.NewPrometheus(options.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	logger := options.Logger
	s := &Server{
		repo:    repo,
		logger:  logger,
		options: options,
		bus: bus.New(
			bus.WithBufferSize(options.BufferSize),
			bus.WithLogger(logger.WithComponent("bus")),
			bus.WithMetrics(collector),
		),
	}

	mux := http.NewServeMux()
	handlerOpts := append([]httptransport.ServerOption{
		httptransport.WithServerLogger(logger.WithComponent("transport/http")),
	}, options.HandlerOptions...)
	httptransport.NewHandler(repo, s.bus, handlerOpts...).Register(mux)

	broadcast := sse.NewServer(s.bus, logger.WithComponent("transport/sse"))
	mux.Handle("GET /{resource}/events", broadcast.Handler())

	rooms := ws.NewServer(s.bus, logger.WithComponent("transport/ws"))
	rooms.AllowedOrigin = options.AllowedOrigin
	mux.Handle("GET /ws", rooms.Handler())

	mux.Handle("GET /metrics", promhttp.HandlerFor(options.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.handler = withCORS(options.AllowedOrigin, mux)
	return s, nil
}

// Bus returns the event bus, e.g. to attach a Relay.
func (s *Server) Bus() *bus.Bus { return s.bus }

// SetRelay registers a relay started by Serve. Call it before Serve.
func (s *Server) SetRelay(r Relay) { s.relay = r }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	streams, peers := s.bus.Counts()
	status, code := "ok", http.StatusOK
	if s.closing.Load() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"streams": streams,
		"peers":   peers,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.options.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.options.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully and closes
// the server.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			ln.Close()
			return fmt.Errorf("failed to start change relay: %w", err)
		}
	}

	// no WriteTimeout: event streams stay open indefinitely
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("record server listening", slog.String("addr", ln.Addr().String()))
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down record server")
	s.closing.Store(true)
	// ends every open stream and room connection so Shutdown is not held up
	s.bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := s.Close(); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown error: %w", shutdownErr)
	}
	return nil
}

// Close closes the relay, the bus and the repository. Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		var errs []error
		if s.relay != nil {
			errs = append(errs, s.relay.Close())
		}
		errs = append(errs, s.bus.Close(), s.repo.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
