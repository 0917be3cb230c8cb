package httptransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

func newTestClient(t *testing.T, baseURL string, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithClientLogger(logging.Discard()),
		WithRetryConfig(2, time.Millisecond, 5*time.Millisecond),
	}, opts...)
	c, err := NewClient(baseURL, opts...)
	require.NoError(t, err)
	return c
}

func TestClient_RoundTripAgainstHandler(t *testing.T) {
	mux, _, pub := newTestMux(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := newTestClient(t, srv.URL)

	created, err := c.Create(ctx, records.Employees, records.Entity{"name": "Ana"}, "tmp_1")
	require.NoError(t, err)
	id := created.ID()
	require.NotEmpty(t, id)

	got, err := c.Get(ctx, records.Employees, id)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got["name"])

	patched, err := c.Patch(ctx, records.Employees, id, records.Entity{"title": "CTO"})
	require.NoError(t, err)
	assert.Equal(t, "CTO", patched["title"])

	updated, err := c.Update(ctx, records.Employees, id, records.Entity{"name": "Ana Maria"})
	require.NoError(t, err)
	assert.Equal(t, records.Entity{"id": id, "name": "Ana Maria"}, updated)

	list, err := c.List(ctx, records.Employees, records.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, c.Delete(ctx, records.Employees, id))

	_, err = c.Get(ctx, records.Employees, id)
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindNotFound, syncErrors.KindOf(err))

	events := pub.Events()
	require.Len(t, events, 4)
	assert.Equal(t, "tmp_1", events[0].CorrelationID)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		kind      syncErrors.Kind
		retryable bool
	}{
		{http.StatusNotFound, syncErrors.KindNotFound, false},
		{http.StatusConflict, syncErrors.KindConflict, false},
		{http.StatusBadRequest, syncErrors.KindInvalid, false},
		{http.StatusMethodNotAllowed, syncErrors.KindMethodNotAllowed, false},
		{http.StatusServiceUnavailable, syncErrors.KindUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"boom"}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, WithRetryConfig(0, 0, 0))
			_, err := c.Create(context.Background(), records.Companies, records.Entity{"name": "x"}, "")
			require.Error(t, err)
			assert.Equal(t, tt.kind, syncErrors.KindOf(err))
			assert.Equal(t, tt.retryable, syncErrors.IsRetryable(err))
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestClient_RetriesReadsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method == http.MethodGet && n >= 3 {
			w.Write([]byte(`[{"id":"c1"}]`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	list, err := c.List(context.Background(), records.Companies, records.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	_, err = c.Create(context.Background(), records.Companies, records.Entity{"name": "x"}, "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "mutations are not retried")
}

func TestClient_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, WithRetryConfig(0, 0, 0))
	_, err := c.List(context.Background(), records.Companies, records.ListOptions{})
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindUnavailable, syncErrors.KindOf(err))
	assert.True(t, syncErrors.IsRetryable(err))
}

func TestClient_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"c1","name":"a very long name indeed"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithMaxResponseSize(8))
	_, err := c.List(context.Background(), records.Companies, records.ListOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errResponseTooLarge)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("::not a url")
	assert.Error(t, err)

	_, err = NewClient("http://localhost", WithRetryConfig(-1, 0, 0))
	assert.Error(t, err)

	_, err = NewClient("http://localhost", WithRetryConfig(1, time.Second, time.Millisecond))
	assert.Error(t, err)
}
