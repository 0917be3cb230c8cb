package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/recordsync/config"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/storage/memory"
)

// closeRecorder reports whether the server closed its repository.
type closeRecorder struct {
	*memory.Repository
	closed atomic.Bool
}

func (r *closeRecorder) Close() error {
	r.closed.Store(true)
	return nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s, err := New(repo, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts, repo
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNew_RequiresRepository(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	s, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["streams"])

	require.NoError(t, s.Close())
	resp2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestServer_BroadcastStreamReceivesCreate(t *testing.T) {
	s, ts, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/employees/events", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		streams, _ := s.Bus().Counts()
		return streams == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp := postJSON(t, ts.URL+"/employees", `{"id":"e42","name":"Ana"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		env, err := records.DecodeBroadcast([]byte(strings.TrimPrefix(line, "data: ")))
		require.NoError(t, err)
		require.NotNil(t, env.Event)
		assert.Equal(t, records.Added, env.Event.Kind)
		assert.Equal(t, "e42", env.Event.ID())
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}

func TestServer_RoomChannel(t *testing.T) {
	_, ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(records.JoinRoom(records.Departments)))

	// the join is processed asynchronously; keep creating until one arrives
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frames := make(chan records.Envelope, 16)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			env, err := records.DecodeRoom(data)
			if err == nil {
				frames <- env
			}
		}
	}()

	var gotEvent, gotNotification bool
	deadline := time.After(5 * time.Second)
	for i := 0; !gotEvent || !gotNotification; i++ {
		postJSON(t, ts.URL+"/departments", `{"name":"Sales"}`)
		select {
		case env, ok := <-frames:
			require.True(t, ok, "connection closed")
			if env.Event != nil {
				assert.Equal(t, records.Departments, env.Event.Resource)
				gotEvent = true
			}
			if env.Notification != nil {
				gotNotification = true
			}
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no room frames received")
		}
	}
}

func TestServer_RoomChannelOrigin(t *testing.T) {
	_, ts, _ := newTestServer(t, WithAllowedOrigin("https://records.example.com"))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://records.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	conn.Close()
}

func TestServer_CORS(t *testing.T) {
	_, ts, _ := newTestServer(t, WithAllowedOrigin("https://records.example.com"))

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/employees", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://records.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://records.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-Correlation-ID")

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/employees", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://records.example.com")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "https://records.example.com", resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, ts, _ := newTestServer(t, WithRegistry(reg))

	peer, err := s.Bus().Attach()
	require.NoError(t, err)
	defer peer.Close()
	peer.Join(records.Employees)

	postJSON(t, ts.URL+"/employees", `{"name":"Ana"}`)
	count, err := testutil.GatherAndCount(reg, "recordsync_events_published_total")
	require.NoError(t, err)
	assert.Positive(t, count)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "recordsync_events_published_total")
}

func TestServer_DuplicateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, _, _ = newTestServer(t, WithRegistry(reg))
	_, err := New(memory.NewRepository(), WithRegistry(reg), WithLogger(logging.Discard()))
	assert.Error(t, err)
}

type fakeRelay struct {
	started, closed atomic.Bool
}

func (r *fakeRelay) Start(context.Context) error {
	r.started.Store(true)
	return nil
}

func (r *fakeRelay) Close() error {
	r.closed.Store(true)
	return nil
}

func TestServer_ServeShutsDownWithOpenStreams(t *testing.T) {
	repo := &closeRecorder{Repository: memory.NewRepository()}
	s, err := New(repo, WithLogger(logging.Discard()), WithShutdownTimeout(2*time.Second))
	require.NoError(t, err)
	relay := &fakeRelay{}
	s.SetRelay(relay)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/companies/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool {
		streams, _ := s.Bus().Counts()
		return streams == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, relay.started.Load())

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.True(t, repo.closed.Load())
	assert.True(t, relay.closed.Load())

	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err, "stream ends cleanly")
}

func TestOpenRepository(t *testing.T) {
	repo, err := OpenRepository(config.StoreConfig{Driver: config.DriverMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Repository{}, repo)

	dsn := "file:" + t.TempDir() + "/records.db"
	repo, err = OpenRepository(config.StoreConfig{Driver: config.DriverSQLite, DSN: dsn}, logging.Discard())
	require.NoError(t, err)
	created, err := repo.Create(context.Background(), records.Companies, records.Entity{"name": "Acme"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.ID(), "company_"))
	require.NoError(t, repo.Close())

	_, err = OpenRepository(config.StoreConfig{Driver: "mysql"}, nil)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Server
	cfg.Addr = "127.0.0.1:0"
	s, err := FromConfig(cfg, logging.Discard())
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.relay, "only postgres gets a relay")
	assert.Equal(t, "127.0.0.1:0", s.options.Addr)
}
