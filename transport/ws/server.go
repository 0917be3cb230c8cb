// Package ws carries the room-scoped channel over websockets. Clients join
// one room per resource type and receive that resource's change events plus
// untargeted notifications.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/recordsync/bus"
	kiterr "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

const component = "transport/ws"

// Settings tunes connection keepalive for both server and client.
type Settings struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// ReadTimeout must exceed PingInterval; it is extended on every ping or pong.
	ReadTimeout time.Duration
	// JoinTimeout bounds how long a client waits for its join to be acknowledged.
	JoinTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 10 * time.Second,
		PingInterval: 25 * time.Second,
		ReadTimeout:  60 * time.Second,
		JoinTimeout:  10 * time.Second,
	}
}

type Server struct {
	Bus      *bus.Bus
	Logger   *logging.Logger
	Settings Settings

	// AllowedOrigin restricts the Origin header of upgrade requests. Empty or
	// "*" accepts any origin.
	AllowedOrigin string

	upgrader websocket.Upgrader
}

func NewServer(b *bus.Bus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	s := &Server{
		Bus:      b,
		Logger:   logger,
		Settings: DefaultSettings(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.AllowedOrigin == "" || s.AllowedOrigin == "*" {
		return true
	}
	return r.Header.Get("Origin") == s.AllowedOrigin
}

// Handler serves GET /ws.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, err := s.Bus.Attach()
		if err != nil {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response
			peer.Close()
			s.Logger.DebugContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		s.serve(conn, peer, r.RemoteAddr)
	})
}

func (s *Server) serve(conn *websocket.Conn, peer *bus.Peer, remote string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		peer.Close()
		conn.Close()
	}()

	logger := s.Logger.With(slog.String("remote", remote))
	logger.DebugContext(ctx, "room peer connected")
	defer logger.DebugContext(ctx, "room peer disconnected")

	go s.writeLoop(ctx, cancel, conn, peer)

	settings := s.Settings
	extend := func() { conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		extend()
		if messageType != websocket.TextMessage {
			continue
		}
		var msg records.RoomMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.WarnContext(ctx, "malformed room command", slog.String("error", err.Error()))
			continue
		}
		rt, join, err := records.ParseRoomCommand(msg)
		if err != nil {
			logger.WarnContext(ctx, "unknown room command", slog.String("event", msg.Event))
			continue
		}
		if join {
			peer.Join(rt)
			ack, _ := json.Marshal(records.RoomJoined(rt))
			if !peer.Send(ack) {
				logger.WarnContext(ctx, "room join not acknowledged", slog.String("room", string(rt)))
			}
		} else {
			peer.Leave(rt)
		}
		logger.DebugContext(ctx, "room membership changed",
			slog.String("room", string(rt)),
			slog.Bool("joined", join),
		)
	}
}

// writeLoop is the only writer of data frames on conn.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, peer *bus.Peer) {
	defer cancel()
	settings := s.Settings
	ticker := time.NewTicker(settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-peer.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(settings.WriteTimeout))
				conn.Close()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				// a write deadline timeout cannot be recovered
				s.Logger.LogError(ctx, kiterr.NewNetworkError(kiterr.OpPublish, err), "room frame write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(settings.WriteTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
