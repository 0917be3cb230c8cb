package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/store"
)

const (
	// DefaultSettleWindow bounds how long a provisional row waits for its
	// authoritative id.
	DefaultSettleWindow = 3 * time.Second
	// DefaultRefetchDelay is the pause before refetching after a create
	// response that carried no id.
	DefaultRefetchDelay = time.Second
)

// Creator sends create requests. A non-empty correlationID is echoed by
// the server into the resulting added event.
type Creator interface {
	Create(ctx context.Context, rt records.ResourceType, fields records.Entity, correlationID string) (records.Entity, error)
}

// pendingWrite tracks one provisional row until it is reconciled.
type pendingWrite struct {
	provisionalID string
	correlationID string
	fields        records.Entity
	createdAt     time.Time
	timer         *time.Timer
}

// Coordinator applies creates optimistically under a provisional id and
// swaps in the authoritative entity exactly once, whichever of the direct
// response or the matching added event arrives first.
type Coordinator struct {
	resource     records.ResourceType
	store        *store.ResourceStore
	creator      Creator
	refetch      func(reason string)
	settleWindow time.Duration
	refetchDelay time.Duration
	logger       *logging.Logger
	now          func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingWrite
	order   []string
	// expired holds writes the settle window dropped while their request
	// was still in flight.
	expired map[string]struct{}
	timers  []*time.Timer
	closed  bool
}

// NewCoordinator creates a coordinator writing into s. refetch requests a
// full reload of the resource and must not block.
func NewCoordinator(s *store.ResourceStore, creator Creator, refetch func(reason string), settleWindow, refetchDelay time.Duration, logger *logging.Logger) *Coordinator {
	if settleWindow <= 0 {
		settleWindow = DefaultSettleWindow
	}
	if refetchDelay <= 0 {
		refetchDelay = DefaultRefetchDelay
	}
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	if refetch == nil {
		refetch = func(string) {}
	}
	return &Coordinator{
		resource:     s.Resource(),
		store:        s,
		creator:      creator,
		refetch:      refetch,
		settleWindow: settleWindow,
		refetchDelay: refetchDelay,
		logger:       logger,
		now:          time.Now,
		pending:      make(map[string]*pendingWrite),
		expired:      make(map[string]struct{}),
	}
}

// Create inserts fields under a provisional id, sends the create request
// and reconciles the response. On failure the provisional row is removed
// and the error returned.
func (c *Coordinator) Create(ctx context.Context, fields records.Entity) (records.Entity, error) {
	fields = fields.WithoutID()
	provisionalID := records.NewProvisionalID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	p := &pendingWrite{
		provisionalID: provisionalID,
		correlationID: provisionalID,
		fields:        fields.Clone(),
		createdAt:     c.now(),
	}
	p.timer = time.AfterFunc(c.settleWindow, func() { c.settle(provisionalID) })
	c.pending[provisionalID] = p
	c.order = append(c.order, provisionalID)
	c.mu.Unlock()

	c.store.Upsert(fields.WithID(provisionalID))

	created, err := c.creator.Create(ctx, c.resource, fields, p.correlationID)
	if err != nil {
		if c.forget(provisionalID, false) {
			c.store.Remove(provisionalID)
		}
		c.takeExpired(provisionalID)
		return nil, err
	}

	if created.ID() == "" {
		if c.forget(provisionalID, false) {
			c.logger.Warn("create response carried no id, scheduling refetch",
				slog.String("provisional_id", provisionalID))
			c.after(c.refetchDelay, func() { c.refetch("missing_id") })
		}
		c.takeExpired(provisionalID)
		return created, nil
	}

	if !c.resolve(provisionalID, created) && c.takeExpired(provisionalID) {
		// the settle window already dropped the provisional row
		c.store.Upsert(created)
		c.logger.Debug("late create response applied",
			slog.String("provisional_id", provisionalID),
			slog.String("id", created.ID()),
		)
	}
	return created, nil
}

// Observe offers an added event to the coordinator. When it belongs to a
// pending write, the provisional row is swapped for the event's entity and
// Observe returns true.
func (c *Coordinator) Observe(ev records.ChangeEvent) bool {
	if ev.Kind != records.Added || ev.Resource != c.resource || ev.Entity == nil || ev.ID() == "" {
		return false
	}
	provisionalID, ok := c.match(ev)
	if !ok {
		return false
	}
	return c.resolve(provisionalID, ev.Entity)
}

// match finds the pending write ev answers. A correlation id decides alone;
// without one the oldest unexpired write whose fields all appear unchanged
// in the entity wins.
func (c *Coordinator) match(ev records.ChangeEvent) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.CorrelationID != "" {
		for _, p := range c.pending {
			if p.correlationID == ev.CorrelationID {
				return p.provisionalID, true
			}
		}
		return "", false
	}

	now := c.now()
	for _, id := range c.order {
		p := c.pending[id]
		if p == nil || now.Sub(p.createdAt) > c.settleWindow {
			continue
		}
		if ev.Entity.Matches(p.fields) {
			return id, true
		}
	}
	return "", false
}

// resolve performs the one swap for provisionalID. Later calls are no-ops.
func (c *Coordinator) resolve(provisionalID string, e records.Entity) bool {
	if !c.forget(provisionalID, false) {
		return false
	}
	c.store.Swap(provisionalID, e)
	c.logger.Debug("provisional entity reconciled",
		slog.String("provisional_id", provisionalID),
		slog.String("id", e.ID()),
	)
	return true
}

// settle drops a write that was never correlated and asks for a refetch.
func (c *Coordinator) settle(provisionalID string) {
	if !c.forget(provisionalID, true) {
		return
	}
	c.store.Remove(provisionalID)
	c.logger.Warn("provisional entity not confirmed within settle window",
		slog.String("provisional_id", provisionalID),
		slog.Duration("settle_window", c.settleWindow),
	)
	c.refetch("settle_timeout")
}

// forget removes the pending write and reports whether it was still
// pending. Exactly one caller wins per write. expire marks the write so a
// response still in flight is applied when it lands.
func (c *Coordinator) forget(provisionalID string, expire bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[provisionalID]
	if !ok || c.closed {
		return false
	}
	p.timer.Stop()
	delete(c.pending, provisionalID)
	if expire {
		c.expired[provisionalID] = struct{}{}
	}
	for i, id := range c.order {
		if id == provisionalID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// takeExpired reports whether the settle window dropped provisionalID and
// clears the mark.
func (c *Coordinator) takeExpired(provisionalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.expired[provisionalID]
	delete(c.expired, provisionalID)
	return ok && !c.closed
}

func (c *Coordinator) after(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	t := time.AfterFunc(d, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			fn()
		}
	})
	c.timers = append(c.timers, t)
}

// Pending returns the number of unreconciled writes.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels every settle timer and scheduled refetch.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, p := range c.pending {
		p.timer.Stop()
	}
	for _, t := range c.timers {
		t.Stop()
	}
	c.pending = make(map[string]*pendingWrite)
	c.expired = make(map[string]struct{})
	c.order = nil
	c.timers = nil
}
