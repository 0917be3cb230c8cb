// Package sse carries the broadcast channel: one text/event-stream per
// resource type, each message a JSON change event on a "data:" line.
package sse

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/recordsync/bus"
	kiterr "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

const component = "transport/sse"

// DefaultKeepAlive is how often an idle stream receives a comment line.
const DefaultKeepAlive = 15 * time.Second

type Server struct {
	Bus       *bus.Bus
	Logger    *logging.Logger
	KeepAlive time.Duration

	// RetryHint is sent as the SSE "retry:" field when non-zero.
	RetryHint time.Duration
}

// NewServer creates a new SSE server with default settings
func NewServer(b *bus.Bus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	return &Server{
		Bus:       b,
		Logger:    logger,
		KeepAlive: DefaultKeepAlive,
		RetryHint: 5 * time.Second,
	}
}

// Handler serves GET /{resource}/events.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, err := records.ParseResourceType(r.PathValue("resource"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		stream, err := s.Bus.SubscribeStream(rt)
		if err != nil {
			s.Logger.LogError(r.Context(), kiterr.E(
				kiterr.OpSubscribe,
				kiterr.Component(component),
				kiterr.KindUnavailable,
				err, "subscribe",
			), "broadcast subscription refused")
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer stream.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if s.RetryHint > 0 {
			fmt.Fprintf(w, "retry: %d\n\n", s.RetryHint.Milliseconds())
		}
		flusher.Flush()

		logger := s.Logger.WithResource(string(rt))
		logger.DebugContext(r.Context(), "broadcast subscriber connected", slog.String("remote", r.RemoteAddr))
		defer logger.DebugContext(r.Context(), "broadcast subscriber disconnected", slog.String("remote", r.RemoteAddr))

		keepAlive := s.KeepAlive
		if keepAlive <= 0 {
			keepAlive = DefaultKeepAlive
		}
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream.C():
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
