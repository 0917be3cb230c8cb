package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/recordsync/bus"
	kiterr "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

func newTestServer(t *testing.T) (*bus.Bus, *Server, *httptest.Server) {
	t.Helper()
	b := bus.New(bus.WithLogger(logging.Discard()))
	s := NewServer(b, logging.Discard())
	s.Settings.PingInterval = 20 * time.Millisecond

	mux := http.NewServeMux()
	mux.Handle("GET /ws", s.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, s, srv
}

func TestWS_RoomEventsAndNotifications(t *testing.T) {
	b, _, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := NewClient(srv.URL).Dial(ctx, records.Employees)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, b.Publish(ctx, records.ChangeEvent{
		Kind:     records.Added,
		Resource: records.Employees,
		Entity:   records.Entity{"id": "e42", "name": "Ana"},
	}))

	env, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, env.Event)
	assert.Equal(t, records.Added, env.Event.Kind)
	assert.Equal(t, "e42", env.Event.ID())

	env, err = stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, env.Notification)
	assert.Equal(t, "employee added", env.Notification.Message)
}

func TestWS_DialReturnsOnceJoined(t *testing.T) {
	b, _, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		stream, err := NewClient(srv.URL).Dial(ctx, records.Employees)
		require.NoError(t, err)

		// published right after Dial, with no settling time
		require.NoError(t, b.Publish(ctx, records.ChangeEvent{
			Kind:     records.Added,
			Resource: records.Employees,
			Entity:   records.Entity{"id": "e8", "name": "Eve"},
		}))
		env, err := stream.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, env.Event, "room event missed right after join")
		assert.Equal(t, "e8", env.Event.ID())
		stream.Close()
	}
}

func TestWS_DialFailsWithoutJoinAck(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	client.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	client.Settings.JoinTimeout = 50 * time.Millisecond

	_, err := client.Dial(context.Background(), records.Employees)
	require.Error(t, err)
	assert.True(t, kiterr.IsRetryable(err))
}

func TestWS_OtherRoomOnlyGetsNotification(t *testing.T) {
	b, _, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := NewClient(srv.URL).Dial(ctx, records.Companies)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, b.Publish(ctx, records.ChangeEvent{
		Kind:     records.Deleted,
		Resource: records.Employees,
		EntityID: "e7",
	}))

	env, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, env.Notification)
	assert.Nil(t, env.Event)
}

func TestWS_LegacyJoinAndLeave(t *testing.T) {
	b, _, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"join_employee_room"}`)))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg records.RoomMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, records.RoomJoined(records.Employees), msg)

	require.NoError(t, b.Publish(ctx, records.ChangeEvent{
		Kind:     records.Updated,
		Resource: records.Employees,
		Entity:   records.Entity{"id": "e1", "name": "Bo"},
	}))

	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "employee_updated", msg.Event)
	assert.Equal(t, "employees", msg.Room)

	_, _, err = conn.ReadMessage() // notification
	require.NoError(t, err)

	leave, _ := json.Marshal(records.LeaveRoom(records.Employees))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, leave))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, records.ChangeEvent{
		Kind:     records.Updated,
		Resource: records.Employees,
		Entity:   records.Entity{"id": "e1", "name": "Cy"},
	}))
	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, records.EventNotification, msg.Event)
}

func TestWS_BusCloseEndsStream(t *testing.T) {
	b, _, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := NewClient(srv.URL).Dial(ctx, records.Employees)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, b.Close())
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWS_ContextCancellationClosesStream(t *testing.T) {
	b, _, srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := NewClient(srv.URL).Dial(ctx, records.Employees)
	require.NoError(t, err)
	defer stream.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(context.Background())
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after cancellation")
	}
	require.Eventually(t, func() bool {
		_, peers := b.Counts()
		return peers == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWS_PingsKeepIdleConnectionAlive(t *testing.T) {
	b, _, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := NewClient(srv.URL)
	client.Settings.ReadTimeout = 100 * time.Millisecond
	stream, err := client.Dial(ctx, records.Employees)
	require.NoError(t, err)
	defer stream.Close()

	// idle for longer than the read timeout; server pings extend the deadline
	go func() {
		time.Sleep(300 * time.Millisecond)
		b.Publish(context.Background(), records.ChangeEvent{
			Kind: records.Deleted, Resource: records.Employees, EntityID: "e1",
		})
	}()
	env, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, env.Event)
	assert.Equal(t, "e1", env.Event.ID())
}

func TestWS_OriginCheck(t *testing.T) {
	_, s, srv := newTestServer(t)
	s.AllowedOrigin = "http://app.example"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWS_DialFailureIsRetryable(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1").Dial(context.Background(), records.Employees)
	require.Error(t, err)
	assert.True(t, kiterr.IsRetryable(err))
}
