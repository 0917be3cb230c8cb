// Package bus fans change events out to connected subscribers over two
// channels: a per-resource broadcast stream and room-scoped peers.
//
// Delivery is fire-and-forget. Publish never waits for a subscriber; a
// subscriber whose queue is full misses the message.
package bus

import (
	"context"
	"errors"
	"log/slog"
	stdSync "sync"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/metrics"
	"github.com/c0deZ3R0/recordsync/records"
)

// Channel labels used in logs and metrics.
const (
	ChannelBroadcast = "sse"
	ChannelRoom      = "ws"
)

// ErrBusClosed is returned by Publish once Close has been called.
var ErrBusClosed = errors.New("bus is closed")

// Bus is the server-side ChangeEventBus.
type Bus struct {
	mu      stdSync.RWMutex
	closed  bool
	streams map[records.ResourceType]map[*Stream]struct{}
	peers   map[*Peer]struct{}

	bufferSize int
	logger     *logging.Logger
	metrics    metrics.Collector
}

// New creates an open Bus.
func New(opts ...Option) *Bus {
	options := applyOptions(opts...)
	return &Bus{
		streams:    make(map[records.ResourceType]map[*Stream]struct{}),
		peers:      make(map[*Peer]struct{}),
		bufferSize: options.BufferSize,
		logger:     options.Logger,
		metrics:    options.Metrics,
	}
}

// Publish delivers ev to every broadcast subscriber of ev.Resource, to every
// peer in the ev.Resource room, and a notification to every peer.
func (b *Bus) Publish(ctx context.Context, ev records.ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return syncErrors.NewValidationError(syncErrors.OpPublish, err)
	}

	broadcast, err := records.EncodeBroadcast(ev)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpPublish, "bus")
	}
	room, err := records.EncodeRoom(ev)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpPublish, "bus")
	}
	note, err := records.EncodeNotification(records.NotificationFor(ev))
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpPublish, "bus")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	resource := string(ev.Resource)
	for s := range b.streams[ev.Resource] {
		b.deliver(ctx, s.ch, broadcast, ChannelBroadcast, resource)
	}
	for p := range b.peers {
		if p.InRoom(ev.Resource) {
			b.deliver(ctx, p.ch, room, ChannelRoom, resource)
		}
		b.deliver(ctx, p.ch, note, ChannelRoom, resource)
	}

	b.logger.DebugContext(ctx, "event published",
		slog.String("type", ev.BroadcastType()),
		slog.String("id", ev.ID()),
		slog.String("correlation_id", ev.CorrelationID),
	)
	return nil
}

// PublishRefresh asks every broadcast subscriber of rt to reload the
// resource. Used when the server knows state changed but not how.
func (b *Bus) PublishRefresh(ctx context.Context, rt records.ResourceType) error {
	msg, err := records.EncodeRefresh(rt)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpPublish, "bus")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for s := range b.streams[rt] {
		b.deliver(ctx, s.ch, msg, ChannelBroadcast, string(rt))
	}
	return nil
}

// deliver must be called with b.mu held for reading.
func (b *Bus) deliver(ctx context.Context, ch chan []byte, msg []byte, channel, resource string) {
	select {
	case ch <- msg:
		b.metrics.EventPublished(channel, resource)
	default:
		b.metrics.EventDropped(channel, resource)
		b.logger.WarnContext(ctx, "subscriber queue full, message dropped",
			slog.String("channel", channel),
			slog.String("resource", resource),
		)
	}
}

// SubscribeStream registers a broadcast subscriber for rt. The returned
// stream's channel is closed by Stream.Close or Bus.Close.
func (b *Bus) SubscribeStream(rt records.ResourceType) (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &Stream{bus: b, resource: rt, ch: make(chan []byte, b.bufferSize)}
	if b.streams[rt] == nil {
		b.streams[rt] = make(map[*Stream]struct{})
	}
	b.streams[rt][s] = struct{}{}
	b.metrics.SubscriberConnected(ChannelBroadcast)
	return s, nil
}

// Attach registers a room-channel peer that has joined no room yet.
func (b *Bus) Attach() (*Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	p := &Peer{bus: b, ch: make(chan []byte, b.bufferSize), rooms: make(map[records.ResourceType]struct{})}
	b.peers[p] = struct{}{}
	b.metrics.SubscriberConnected(ChannelRoom)
	return p, nil
}

// Counts returns the number of broadcast subscribers and room peers.
func (b *Bus) Counts() (streams, peers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, set := range b.streams {
		streams += len(set)
	}
	return streams, len(b.peers)
}

// Close closes every subscriber queue. Further publishes return ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for rt, set := range b.streams {
		for s := range set {
			close(s.ch)
			b.metrics.SubscriberDisconnected(ChannelBroadcast)
		}
		delete(b.streams, rt)
	}
	for p := range b.peers {
		close(p.ch)
		b.metrics.SubscriberDisconnected(ChannelRoom)
		delete(b.peers, p)
	}
	return nil
}

// Stream is one broadcast subscriber.
type Stream struct {
	bus      *Bus
	resource records.ResourceType
	ch       chan []byte
}

// C yields encoded broadcast messages. It is closed when the stream ends.
func (s *Stream) C() <-chan []byte { return s.ch }

func (s *Stream) Resource() records.ResourceType { return s.resource }

// Close unsubscribes the stream. Safe to call more than once.
func (s *Stream) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[s.resource][s]; !ok {
		return
	}
	delete(b.streams[s.resource], s)
	close(s.ch)
	b.metrics.SubscriberDisconnected(ChannelBroadcast)
}

// Peer is one room-channel connection.
type Peer struct {
	bus *Bus
	ch  chan []byte

	mu    stdSync.RWMutex
	rooms map[records.ResourceType]struct{}
}

// C yields encoded room and notification frames. It is closed when the peer detaches.
func (p *Peer) C() <-chan []byte { return p.ch }

func (p *Peer) Join(rt records.ResourceType) {
	p.mu.Lock()
	p.rooms[rt] = struct{}{}
	p.mu.Unlock()
}

func (p *Peer) Leave(rt records.ResourceType) {
	p.mu.Lock()
	delete(p.rooms, rt)
	p.mu.Unlock()
}

func (p *Peer) InRoom(rt records.ResourceType) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.rooms[rt]
	return ok
}

// Send queues msg for this peer only. It reports false when the peer is
// detached or its queue is full.
func (p *Peer) Send(msg []byte) bool {
	b := p.bus
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.peers[p]; !ok {
		return false
	}
	select {
	case p.ch <- msg:
		return true
	default:
		return false
	}
}

// Close detaches the peer. Safe to call more than once.
func (p *Peer) Close() {
	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[p]; !ok {
		return
	}
	delete(b.peers, p)
	close(p.ch)
	b.metrics.SubscriberDisconnected(ChannelRoom)
}
