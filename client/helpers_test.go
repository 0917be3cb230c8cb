package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/storage/memory"
)

// fakeAPI serves requests from an in-memory repository. Hooks let tests
// fail requests or hold a create response back.
type fakeAPI struct {
	repo *memory.Repository

	listCalls atomic.Int32

	mu         sync.Mutex
	listErr    error
	listHook   func()
	createHook func(created records.Entity, correlationID string) (records.Entity, error)
	failIDs    map[string]bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{repo: memory.NewRepository(), failIDs: make(map[string]bool)}
}

func (a *fakeAPI) setListErr(err error) {
	a.mu.Lock()
	a.listErr = err
	a.mu.Unlock()
}

func (a *fakeAPI) List(ctx context.Context, rt records.ResourceType, opts records.ListOptions) ([]records.Entity, error) {
	a.listCalls.Add(1)
	a.mu.Lock()
	err, hook := a.listErr, a.listHook
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	list, err := a.repo.List(ctx, rt, opts)
	if hook != nil {
		hook()
	}
	return list, err
}

// setListHook runs hook after List has read the repository and before it
// returns.
func (a *fakeAPI) setListHook(hook func()) {
	a.mu.Lock()
	a.listHook = hook
	a.mu.Unlock()
}

func (a *fakeAPI) Create(ctx context.Context, rt records.ResourceType, fields records.Entity, correlationID string) (records.Entity, error) {
	created, err := a.repo.Create(ctx, rt, fields)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	hook := a.createHook
	a.mu.Unlock()
	if hook != nil {
		return hook(created, correlationID)
	}
	return created, nil
}

func (a *fakeAPI) setCreateHook(hook func(created records.Entity, correlationID string) (records.Entity, error)) {
	a.mu.Lock()
	a.createHook = hook
	a.mu.Unlock()
}

func (a *fakeAPI) fail(id string) {
	a.mu.Lock()
	a.failIDs[id] = true
	a.mu.Unlock()
}

func (a *fakeAPI) failed(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failIDs[id] {
		return syncErrors.NewNetworkError(syncErrors.OpDelete, errors.New("connection reset"))
	}
	return nil
}

func (a *fakeAPI) Update(ctx context.Context, rt records.ResourceType, id string, e records.Entity) (records.Entity, error) {
	if err := a.failed(id); err != nil {
		return nil, err
	}
	return a.repo.Update(ctx, rt, id, e)
}

func (a *fakeAPI) Patch(ctx context.Context, rt records.ResourceType, id string, fields records.Entity) (records.Entity, error) {
	if err := a.failed(id); err != nil {
		return nil, err
	}
	return a.repo.Patch(ctx, rt, id, fields)
}

func (a *fakeAPI) Delete(ctx context.Context, rt records.ResourceType, id string) error {
	if err := a.failed(id); err != nil {
		return err
	}
	_, err := a.repo.Delete(ctx, rt, id)
	return err
}

// fakeStream is an EventStream fed by the test.
type fakeStream struct {
	envs   chan records.Envelope
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		envs:   make(chan records.Envelope, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) send(ev records.ChangeEvent) { s.envs <- records.Envelope{Event: &ev} }

func (s *fakeStream) Next(ctx context.Context) (records.Envelope, error) {
	select {
	case env := <-s.envs:
		return env, nil
	default:
	}
	select {
	case <-ctx.Done():
		return records.Envelope{}, ctx.Err()
	case env := <-s.envs:
		return env, nil
	case err := <-s.errs:
		return records.Envelope{}, err
	case <-s.closed:
		return records.Envelope{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeDialer hands out queued streams and refuses when none is queued.
type fakeDialer struct {
	channel string
	streams chan *fakeStream
	dials   atomic.Int32
}

func newFakeDialer(channel string) *fakeDialer {
	return &fakeDialer{channel: channel, streams: make(chan *fakeStream, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, rt records.ResourceType) (EventStream, error) {
	d.dials.Add(1)
	select {
	case s := <-d.streams:
		return s, nil
	default:
		return nil, syncErrors.NewNetworkError(syncErrors.OpSubscribe, errors.New("connection refused"))
	}
}

func (d *fakeDialer) Channel() string { return d.channel }

func added(id, name string) records.ChangeEvent {
	return records.ChangeEvent{
		Kind:     records.Added,
		Resource: records.Employees,
		Entity:   records.Entity{"id": id, "name": name},
	}
}

func quietLogger() *logging.Logger { return logging.Discard() }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
