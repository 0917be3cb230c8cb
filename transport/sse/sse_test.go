package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/recordsync/bus"
	kiterr "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

func newTestServer(t *testing.T) (*bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New(bus.WithLogger(logging.Discard()))
	s := NewServer(b, logging.Discard())
	s.KeepAlive = 20 * time.Millisecond

	mux := http.NewServeMux()
	mux.Handle("GET /{resource}/events", s.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

// waitForSubscribers polls until n broadcast subscribers are registered.
func waitForSubscribers(t *testing.T, b *bus.Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		streams, _ := b.Counts()
		return streams == n
	}, time.Second, 5*time.Millisecond)
}

func TestSSE_EndToEnd(t *testing.T) {
	b, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := NewClient(srv.URL, nil).Dial(ctx, records.Employees)
	require.NoError(t, err)
	defer stream.Close()
	waitForSubscribers(t, b, 1)

	require.NoError(t, b.Publish(ctx, records.ChangeEvent{
		Kind:          records.Added,
		Resource:      records.Employees,
		Entity:        records.Entity{"id": "e42", "name": "Ana"},
		CorrelationID: "c-9",
	}))
	require.NoError(t, b.Publish(ctx, records.ChangeEvent{
		Kind:     records.Deleted,
		Resource: records.Employees,
		EntityID: "e42",
	}))

	env, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, env.Event)
	assert.Equal(t, records.Added, env.Event.Kind)
	assert.Equal(t, "Ana", env.Event.Entity["name"])
	assert.Equal(t, "c-9", env.Event.CorrelationID)

	env, err = stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, env.Event)
	assert.Equal(t, records.Deleted, env.Event.Kind)
	assert.Equal(t, "e42", env.Event.ID())
}

func TestSSE_UnknownResource(t *testing.T) {
	_, srv := newTestServer(t)
	_, err := NewClient(srv.URL, nil).Dial(context.Background(), records.ResourceType("projects"))
	require.Error(t, err)
	assert.Equal(t, kiterr.KindNotFound, kiterr.KindOf(err))
	assert.False(t, kiterr.IsRetryable(err))
}

func TestSSE_ServerCloseEndsStream(t *testing.T) {
	b, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := NewClient(srv.URL, nil).Dial(ctx, records.Companies)
	require.NoError(t, err)
	defer stream.Close()
	waitForSubscribers(t, b, 1)

	require.NoError(t, b.Close())
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSE_KeepAliveAndMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "retry: 5000\n\n")
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, `data: {"type":"company_updated","company":{"id":"c1","name":"Acme"}}`+"\n\n")
	}))
	defer srv.Close()

	ctx := context.Background()
	stream, err := NewClient(srv.URL, nil).Dial(ctx, records.Companies)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, kiterr.KindInvalid, kiterr.KindOf(err))

	env, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, env.Event)
	assert.Equal(t, records.Companies, env.Event.Resource)
	assert.Equal(t, records.Updated, env.Event.Kind)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSE_ContextCancellation(t *testing.T) {
	b, srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := NewClient(srv.URL, nil).Dial(ctx, records.Employees)
	require.NoError(t, err)
	defer stream.Close()
	waitForSubscribers(t, b, 1)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(ctx)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after cancellation")
	}
	waitForSubscribers(t, b, 0)
}
