package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

// ErrListenerClosed is returned by Start after Close.
var ErrListenerClosed = errors.New("listener is closed")

// ChangeNotification is the payload the notify trigger sends for every
// written row.
type ChangeNotification struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
	Op       string `json:"op"`
	Origin   string `json:"origin"`
}

// Kind maps the trigger operation to a change kind.
func (n ChangeNotification) Kind() (records.Kind, error) {
	switch n.Op {
	case "INSERT":
		return records.Added, nil
	case "UPDATE":
		return records.Updated, nil
	case "DELETE":
		return records.Deleted, nil
	}
	return "", fmt.Errorf("unknown operation %q", n.Op)
}

// Getter loads the current state of one entity.
type Getter interface {
	Get(ctx context.Context, rt records.ResourceType, id string) (records.Entity, error)
}

// Publisher is where foreign changes are re-announced.
type Publisher interface {
	Publish(ctx context.Context, ev records.ChangeEvent) error
	PublishRefresh(ctx context.Context, rt records.ResourceType) error
}

// ChangeListener relays changes made by other instances sharing the
// database to the local publisher. Changes tagged with this instance's own
// origin were already published by the handler and are skipped.
type ChangeListener struct {
	channel    string
	instanceID string
	getter     Getter
	publisher  Publisher
	logger     *logging.Logger
	config     *Config

	listener *pq.Listener
	closed   int32 // atomic
	done     chan struct{}
	wg       stdSync.WaitGroup
}

// NewChangeListener creates a listener for the database repo is connected to.
func NewChangeListener(repo *Repository, publisher Publisher) (*ChangeListener, error) {
	if repo == nil || publisher == nil {
		return nil, fmt.Errorf("repository and publisher are required")
	}
	config := repo.config
	l := newChangeListener(config, repo, publisher)
	l.listener = pq.NewListener(
		config.ConnectionString,
		config.MinReconnectInterval,
		config.MaxReconnectInterval,
		l.eventCallback,
	)
	return l, nil
}

func newChangeListener(config *Config, getter Getter, publisher Publisher) *ChangeListener {
	return &ChangeListener{
		channel:    config.Channel,
		instanceID: config.InstanceID,
		getter:     getter,
		publisher:  publisher,
		logger:     config.Logger.WithComponent(logging.Component(component + "/listener")),
		config:     config,
		done:       make(chan struct{}),
	}
}

// eventCallback handles pq.Listener events
func (l *ChangeListener) eventCallback(event pq.ListenerEventType, err error) {
	ctx := context.Background()
	switch event {
	case pq.ListenerEventConnected:
		l.logger.InfoContext(ctx, "Connected to PostgreSQL for LISTEN/NOTIFY", slog.String("channel", l.channel))
	case pq.ListenerEventDisconnected:
		l.logger.LogError(ctx, err, "Disconnected from PostgreSQL")
	case pq.ListenerEventReconnected:
		l.logger.InfoContext(ctx, "Reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.LogError(ctx, err, "Connection attempt failed")
	}
}

// Start subscribes to the change channel and relays notifications until ctx
// is canceled or Close is called.
func (l *ChangeListener) Start(ctx context.Context) error {
	if atomic.LoadInt32(&l.closed) == 1 {
		return ErrListenerClosed
	}
	if err := l.listener.Listen(l.channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		return syncErrors.NewNetworkError(syncErrors.OpSubscribe, fmt.Errorf("listen on %s: %w", l.channel, err))
	}

	l.wg.Add(1)
	go l.listenLoop(ctx)
	return nil
}

func (l *ChangeListener) listenLoop(ctx context.Context) {
	defer l.wg.Done()
	defer l.logger.DebugContext(ctx, "Change listener stopped")

	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Notifications may have been lost while reconnecting.
				l.refreshAll(ctx)
				continue
			}
			l.handle(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.LogError(ctx, err, "Ping failed")
				}
			}()
		}
	}
}

// handle relays one notification payload. Anything that cannot be turned
// into a precise event becomes a refresh of the affected resource.
func (l *ChangeListener) handle(ctx context.Context, payload string) {
	var n ChangeNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		l.logger.LogError(ctx, err, "Malformed change notification", slog.String("payload", payload))
		l.refreshAll(ctx)
		return
	}
	if n.Origin == l.instanceID {
		return
	}
	rt, err := records.ParseResourceType(n.Resource)
	if err != nil {
		l.logger.DebugContext(ctx, "Ignoring change for unknown resource", slog.String("resource", n.Resource))
		return
	}
	kind, err := n.Kind()
	if err != nil || n.ID == "" {
		l.refresh(ctx, rt)
		return
	}

	ev := records.ChangeEvent{Kind: kind, Resource: rt, EntityID: n.ID}
	if kind != records.Deleted {
		e, err := l.getter.Get(ctx, rt, n.ID)
		if err != nil {
			if !errors.Is(err, records.ErrNotFound) {
				l.logger.LogError(ctx, err, "Failed to load changed entity",
					slog.String("resource", string(rt)), slog.String("id", n.ID))
			}
			l.refresh(ctx, rt)
			return
		}
		ev.Entity = e
	}
	if err := l.publisher.Publish(ctx, ev); err != nil {
		l.logger.LogError(ctx, syncErrors.WrapOpComponent(err, syncErrors.OpPublish, component), "Failed to relay change",
			slog.String("type", ev.BroadcastType()), slog.String("id", n.ID))
	}
}

func (l *ChangeListener) refresh(ctx context.Context, rt records.ResourceType) {
	if err := l.publisher.PublishRefresh(ctx, rt); err != nil {
		l.logger.LogError(ctx, err, "Failed to publish refresh", slog.String("resource", string(rt)))
	}
}

func (l *ChangeListener) refreshAll(ctx context.Context) {
	for _, rt := range records.AllResources() {
		l.refresh(ctx, rt)
	}
}

// Close stops the listen loop and releases the connection.
func (l *ChangeListener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.done)
	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	l.wg.Wait()
	return err
}
