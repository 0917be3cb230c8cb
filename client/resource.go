package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c0deZ3R0/recordsync/cache"
	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/metrics"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/store"
)

// API is the subset of the record endpoints a ResourceSync calls.
type API interface {
	Creator
	List(ctx context.Context, rt records.ResourceType, opts records.ListOptions) ([]records.Entity, error)
	Update(ctx context.Context, rt records.ResourceType, id string, e records.Entity) (records.Entity, error)
	Patch(ctx context.Context, rt records.ResourceType, id string, fields records.Entity) (records.Entity, error)
	Delete(ctx context.Context, rt records.ResourceType, id string) error
}

// Source tells where the current store content came from.
type Source int

const (
	SourceNone Source = iota
	SourceNetwork
	SourceCache
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceCache:
		return "cache"
	default:
		return "none"
	}
}

// DefaultBulkConcurrency bounds in-flight requests of one bulk operation.
const DefaultBulkConcurrency = 8

// ResourceOptions configures a ResourceSync.
type ResourceOptions struct {
	API   API
	Cache cache.OfflineCache

	// Dialers lists the delivery channels to supervise. Empty disables
	// real-time updates.
	Dialers []Dialer

	// NewBackoff builds the strategy of each supervisor. Defaults to
	// ConstantBackoff.
	NewBackoff  func() BackoffStrategy
	MaxAttempts int

	SettleWindow    time.Duration
	RefetchDelay    time.Duration
	BulkConcurrency int
	ListOptions     records.ListOptions

	Notifications *Notifications
	OnStateChange func(rt records.ResourceType, status ConnectionStatus)

	Logger  *logging.Logger
	Metrics metrics.Collector
}

// Status summarizes a ResourceSync for display.
type Status struct {
	Resource  records.ResourceType
	Source    Source
	Stale     bool
	LastFetch time.Time
	LastError error
	Channels  []ConnectionStatus

	// Failed is set once any channel gave up reconnecting.
	Failed bool
}

// ResourceSync owns the store of one resource type and keeps it in sync:
// full fetches with offline fallback, both delivery channels under
// supervision, and optimistic creates.
type ResourceSync struct {
	resource    records.ResourceType
	opts        ResourceOptions
	store       *store.ResourceStore
	coordinator *Coordinator
	receiver    *Receiver
	supervisors []*Supervisor
	logger      *logging.Logger
	metrics     metrics.Collector

	fetches   singleflight.Group
	refetchCh chan string

	// teardown serializes whole-store writes against Close.
	teardown sync.RWMutex

	mu        sync.RWMutex
	source    Source
	stale     bool
	lastFetch time.Time
	lastErr   error
	started   bool
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewResourceSync wires the components for rt. Nothing runs until Start.
func NewResourceSync(rt records.ResourceType, opts ResourceOptions) (*ResourceSync, error) {
	if !rt.Valid() {
		return nil, syncErrors.NewValidationError(syncErrors.OpFetch, errUnknownResource(rt))
	}
	if opts.API == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpFetch, errMissingAPI)
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = DefaultBulkConcurrency
	}
	if opts.NewBackoff == nil {
		opts.NewBackoff = func() BackoffStrategy { return &ConstantBackoff{} }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	logger = logger.WithResource(string(rt))

	rs := &ResourceSync{
		resource:  rt,
		opts:      opts,
		store:     store.New(rt),
		logger:    logger,
		metrics:   metrics.OrNoOp(opts.Metrics),
		refetchCh: make(chan string, 1),
	}
	rs.coordinator = NewCoordinator(rs.store, opts.API, rs.RequestRefetch, opts.SettleWindow, opts.RefetchDelay, logger)
	rs.receiver = NewReceiver(rs.store, rs.coordinator, opts.Notifications, rs.RequestRefetch, logger, rs.metrics)

	for _, d := range opts.Dialers {
		rs.supervisors = append(rs.supervisors, NewSupervisor(rt, d, SupervisorOptions{
			Backoff:     opts.NewBackoff(),
			MaxAttempts: opts.MaxAttempts,
			Refetch: func(ctx context.Context) error {
				rs.metrics.Refetch(string(rt), "reconnect")
				_, err := rs.Fetch(ctx)
				return err
			},
			Handle:        rs.receiver.Handle,
			OnStateChange: rs.stateChanged,
			Logger:        logger,
			Metrics:       rs.metrics,
		}))
	}
	return rs, nil
}

// Resource returns the resource type being synchronized.
func (rs *ResourceSync) Resource() records.ResourceType { return rs.resource }

// Store returns the live store. Callers must treat it as read-only.
func (rs *ResourceSync) Store() *store.ResourceStore { return rs.store }

func (rs *ResourceSync) stateChanged(status ConnectionStatus) {
	if rs.opts.OnStateChange != nil {
		rs.opts.OnStateChange(rs.resource, status)
	}
}

// Start performs the initial fetch and starts supervising every channel.
// Supervision starts even when the fetch fails, so the store fills in once
// the server becomes reachable; the fetch error is still returned.
func (rs *ResourceSync) Start(ctx context.Context) error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return ErrClosed
	}
	if rs.started {
		rs.mu.Unlock()
		return nil
	}
	rs.started = true
	ctx, rs.cancel = context.WithCancel(ctx)
	rs.wg.Add(1)
	rs.mu.Unlock()

	go rs.refetchLoop(ctx)

	_, err := rs.Fetch(ctx)
	for _, s := range rs.supervisors {
		s.Start(ctx)
	}
	return err
}

// Fetch reloads the whole resource. On success the store and the offline
// snapshot are replaced. On failure a non-empty snapshot becomes the store
// content and the store is marked stale; with no snapshot the store is left
// untouched and a KindUnavailable error is returned. Concurrent calls share
// one request.
func (rs *ResourceSync) Fetch(ctx context.Context) (Source, error) {
	v, err, _ := rs.fetches.Do("fetch", func() (any, error) {
		return rs.fetch(ctx)
	})
	source, _ := v.(Source)
	return source, err
}

func (rs *ResourceSync) fetch(ctx context.Context) (Source, error) {
	start := time.Now()
	mark := rs.store.Mark()
	defer rs.store.Release(mark)

	list, err := rs.opts.API.List(ctx, rs.resource, rs.opts.ListOptions)
	if err == nil {
		if !rs.replace(mark, list) {
			return SourceNone, ErrClosed
		}
		if err := rs.opts.Cache.Save(ctx, rs.resource, list); err != nil {
			rs.logger.LogError(ctx, err, "failed to save offline snapshot")
		}
		rs.recordFetch(SourceNetwork, false, nil)
		rs.metrics.FetchCompleted(string(rs.resource), SourceNetwork.String(), time.Since(start))
		return SourceNetwork, nil
	}
	if ctx.Err() != nil {
		return SourceNone, ctx.Err()
	}

	rs.logger.LogError(ctx, err, "fetch failed, falling back to offline snapshot")
	snapshot, cacheErr := rs.opts.Cache.Load(ctx, rs.resource)
	if cacheErr != nil {
		rs.logger.LogError(ctx, cacheErr, "failed to load offline snapshot")
	}
	if len(snapshot) == 0 {
		fetchErr := syncErrors.E(syncErrors.OpFetch, syncErrors.Component(component), syncErrors.KindUnavailable, err,
			"fetch failed and no offline snapshot is available")
		fetchErr.Retryable = true
		rs.recordFetch(rs.Source(), rs.Stale(), fetchErr)
		return SourceNone, fetchErr
	}
	if !rs.replace(mark, snapshot) {
		return SourceNone, ErrClosed
	}
	rs.recordFetch(SourceCache, true, err)
	rs.metrics.FetchCompleted(string(rs.resource), SourceCache.String(), time.Since(start))
	return SourceCache, nil
}

// replace swaps the store content unless the sync was closed. Mutations
// applied since mark are replayed over entities.
func (rs *ResourceSync) replace(mark store.Mark, entities []records.Entity) bool {
	rs.teardown.RLock()
	defer rs.teardown.RUnlock()
	rs.mu.RLock()
	closed := rs.closed
	rs.mu.RUnlock()
	if closed {
		return false
	}
	rs.store.ReplaceSince(mark, entities)
	return true
}

func (rs *ResourceSync) recordFetch(source Source, stale bool, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.source = source
	rs.stale = stale
	rs.lastErr = err
	if err == nil || source == SourceCache {
		rs.lastFetch = time.Now()
	}
}

// RequestRefetch asks the background loop for a full reload. Requests made
// while one is queued are coalesced. It never blocks.
func (rs *ResourceSync) RequestRefetch(reason string) {
	rs.mu.RLock()
	closed := rs.closed
	rs.mu.RUnlock()
	if closed {
		return
	}
	select {
	case rs.refetchCh <- reason:
	default:
	}
}

func (rs *ResourceSync) refetchLoop(ctx context.Context) {
	defer rs.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-rs.refetchCh:
			rs.metrics.Refetch(string(rs.resource), reason)
			rs.logger.Debug("refetching", slog.String("reason", reason))
			if _, err := rs.Fetch(ctx); err != nil && ctx.Err() == nil {
				rs.logger.LogError(ctx, err, "refetch failed", slog.String("reason", reason))
			}
		}
	}
}

// Create inserts fields optimistically and reconciles with the server.
func (rs *ResourceSync) Create(ctx context.Context, fields records.Entity) (records.Entity, error) {
	return rs.coordinator.Create(ctx, fields)
}

// Update replaces an entity on the server and applies the response.
func (rs *ResourceSync) Update(ctx context.Context, id string, e records.Entity) (records.Entity, error) {
	updated, err := rs.opts.API.Update(ctx, rs.resource, id, e)
	if err != nil {
		return nil, err
	}
	rs.receiver.Apply(records.ChangeEvent{Kind: records.Updated, Resource: rs.resource, Entity: updated, EntityID: id})
	return updated, nil
}

// Patch overlays fields on the server and applies the response.
func (rs *ResourceSync) Patch(ctx context.Context, id string, fields records.Entity) (records.Entity, error) {
	patched, err := rs.opts.API.Patch(ctx, rs.resource, id, fields)
	if err != nil {
		return nil, err
	}
	rs.receiver.Apply(records.ChangeEvent{Kind: records.Updated, Resource: rs.resource, Entity: patched, EntityID: id})
	return patched, nil
}

// Delete removes an entity on the server, then locally.
func (rs *ResourceSync) Delete(ctx context.Context, id string) error {
	if err := rs.opts.API.Delete(ctx, rs.resource, id); err != nil {
		return err
	}
	rs.receiver.Apply(records.ChangeEvent{Kind: records.Deleted, Resource: rs.resource, EntityID: id})
	return nil
}

// Source reports where the current content came from.
func (rs *ResourceSync) Source() Source {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.source
}

// Stale reports whether the content is an offline snapshot.
func (rs *ResourceSync) Stale() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.stale
}

// Status returns a snapshot of the sync and channel state.
func (rs *ResourceSync) Status() Status {
	rs.mu.RLock()
	st := Status{
		Resource:  rs.resource,
		Source:    rs.source,
		Stale:     rs.stale,
		LastFetch: rs.lastFetch,
		LastError: rs.lastErr,
	}
	rs.mu.RUnlock()
	for _, s := range rs.supervisors {
		cs := s.Status()
		st.Channels = append(st.Channels, cs)
		if cs.State == StateFailed {
			st.Failed = true
		}
	}
	return st
}

// Close stops supervision, timers and the refetch loop. After Close no
// event, response or refetch touches the store. Safe to call more than once.
func (rs *ResourceSync) Close() error {
	rs.teardown.Lock()
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		rs.teardown.Unlock()
		return nil
	}
	rs.closed = true
	cancel := rs.cancel
	rs.mu.Unlock()
	rs.teardown.Unlock()

	rs.receiver.Close()
	rs.coordinator.Close()
	rs.store.Close()
	if cancel != nil {
		cancel()
	}
	for _, s := range rs.supervisors {
		s.Stop()
	}
	rs.wg.Wait()
	return nil
}
