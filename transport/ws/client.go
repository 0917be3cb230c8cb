package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	stdSync "sync"
	"time"

	"github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/records"
)

type Client struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/ws".
	URL      string
	Dialer   *websocket.Dialer
	Settings Settings
}

// NewClient derives the websocket endpoint from an http(s) base URL.
func NewClient(baseURL string) *Client {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &Client{
		URL:      u + "/ws",
		Dialer:   websocket.DefaultDialer,
		Settings: DefaultSettings(),
	}
}

// Dial connects and joins rt's room. It returns once the server has
// acknowledged the join, so every event published afterwards reaches the
// stream. The connection is closed when ctx is canceled or Close is called.
func (c *Client) Dial(ctx context.Context, rt records.ResourceType) (*Stream, error) {
	conn, resp, err := c.Dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, kiterr.E(kiterr.OpSubscribe, kiterr.Component(component), kiterr.KindNotFound, err)
		}
		return nil, kiterr.NewNetworkError(kiterr.OpSubscribe, err)
	}

	join, err := json.Marshal(records.JoinRoom(rt))
	if err != nil {
		conn.Close()
		return nil, kiterr.E(kiterr.OpSubscribe, kiterr.Component(component), err)
	}
	conn.SetWriteDeadline(time.Now().Add(c.Settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		conn.Close()
		return nil, kiterr.NewNetworkError(kiterr.OpSubscribe, err)
	}

	s := &Stream{conn: conn, ctx: ctx, settings: c.Settings, done: make(chan struct{})}
	s.extendRead()
	conn.SetPingHandler(func(data string) error {
		s.extendRead()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.settings.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-s.done:
		}
	}()
	if err := s.awaitJoin(rt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// awaitJoin reads until the server confirms the join. Frames that arrive
// first are kept for Next.
func (s *Stream) awaitJoin(rt records.ResourceType) error {
	timeout := s.settings.JoinTimeout
	if timeout <= 0 {
		timeout = s.settings.ReadTimeout
	}
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			return kiterr.NewNetworkError(kiterr.OpSubscribe, fmt.Errorf("waiting for %s join: %w", rt, err))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := records.DecodeRoom(message)
		switch {
		case err != nil:
			continue
		case env.Joined == rt:
			s.extendRead()
			return nil
		case env.Joined != "":
			continue
		}
		s.pending = append(s.pending, env)
	}
}

// Stream is one room-channel connection.
type Stream struct {
	conn     *websocket.Conn
	ctx      context.Context
	settings Settings

	// pending holds frames read before the join was acknowledged
	pending []records.Envelope

	closeOnce stdSync.Once
	done      chan struct{}
}

func (s *Stream) extendRead() {
	s.conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
}

// Next blocks until the next room frame. It returns io.EOF when the server
// closes the connection normally. A malformed frame yields a KindInvalid
// error and the stream stays usable.
func (s *Stream) Next(ctx context.Context) (records.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return records.Envelope{}, err
		}
		if len(s.pending) > 0 {
			env := s.pending[0]
			s.pending = s.pending[1:]
			return env, nil
		}
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return records.Envelope{}, s.ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return records.Envelope{}, io.EOF
			}
			return records.Envelope{}, kiterr.NewNetworkError(kiterr.OpSubscribe, err)
		}
		s.extendRead()
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := records.DecodeRoom(message)
		if err != nil {
			return records.Envelope{}, kiterr.E(kiterr.OpDecode, kiterr.Component(component), kiterr.KindInvalid, err, "decode frame")
		}
		if env.Joined != "" {
			continue
		}
		return env, nil
	}
}

// Close sends a close frame and releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.settings.WriteTimeout))
		err = s.conn.Close()
	})
	return err
}
