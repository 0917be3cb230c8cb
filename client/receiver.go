package client

import (
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/metrics"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/store"
)

// Receiver applies envelopes from both delivery channels to one store.
// Application is idempotent, so the copy of a change arriving on the second
// channel changes nothing.
type Receiver struct {
	store         *store.ResourceStore
	coordinator   *Coordinator
	notifications *Notifications
	refetch       func(reason string)
	logger        *logging.Logger
	metrics       metrics.Collector

	mu     sync.RWMutex
	closed bool
}

// NewReceiver creates a receiver. coordinator and notifications may be nil.
func NewReceiver(s *store.ResourceStore, coordinator *Coordinator, notifications *Notifications, refetch func(reason string), logger *logging.Logger, collector metrics.Collector) *Receiver {
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	if refetch == nil {
		refetch = func(string) {}
	}
	return &Receiver{
		store:         s,
		coordinator:   coordinator,
		notifications: notifications,
		refetch:       refetch,
		logger:        logger,
		metrics:       metrics.OrNoOp(collector),
	}
}

// Handle dispatches one envelope from channel. After Close it does nothing.
// Store listeners fired by the change run on the store's own goroutine, so
// they never wait on the lock held here.
func (r *Receiver) Handle(channel string, env records.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	switch {
	case env.Event != nil:
		r.apply(*env.Event)
	case env.Notification != nil:
		// every room connection receives every notification; keep only
		// the ones about this receiver's resource
		n := env.Notification
		if r.notifications != nil && (n.Resource == "" || n.Resource == r.store.Resource()) {
			r.notifications.Add(*n)
		}
	case env.Refetch != "":
		if env.Refetch == r.store.Resource() {
			r.refetch("server_refresh")
		}
	default:
		r.logger.Debug("ignoring empty envelope", slog.String("channel", channel))
	}
}

// Apply applies one change event, first offering added events to the
// coordinator so a matching provisional row is swapped rather than
// duplicated.
func (r *Receiver) Apply(ev records.ChangeEvent) store.Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return store.Ignored
	}
	return r.apply(ev)
}

func (r *Receiver) apply(ev records.ChangeEvent) store.Outcome {
	if ev.Resource != r.store.Resource() {
		return store.Ignored
	}
	if r.coordinator != nil && ev.Kind == records.Added {
		r.coordinator.Observe(ev)
	}
	out := r.store.Apply(ev)
	r.metrics.EventApplied(string(ev.Resource), out.String())
	if out == store.NeedsRefetch {
		r.logger.Info("event could not be applied, refetching",
			slog.String("kind", string(ev.Kind)),
			slog.String("id", ev.ID()),
		)
		r.refetch("missed_event")
	}
	return out
}

// Close makes every later Handle and Apply a no-op. It waits for an
// application in progress to finish.
func (r *Receiver) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
