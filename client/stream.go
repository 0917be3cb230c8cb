package client

import (
	"context"

	"github.com/c0deZ3R0/recordsync/bus"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/transport/sse"
	"github.com/c0deZ3R0/recordsync/transport/ws"
)

// EventStream is one open delivery channel connection.
type EventStream interface {
	// Next blocks until the next envelope arrives. io.EOF means the server
	// ended the stream; a KindInvalid error means one message was malformed
	// and the stream is still usable.
	Next(ctx context.Context) (records.Envelope, error)
	Close() error
}

// Dialer opens delivery channel connections for a resource type.
type Dialer interface {
	Dial(ctx context.Context, rt records.ResourceType) (EventStream, error)

	// Channel names the channel, e.g. "sse" or "ws".
	Channel() string
}

// SSEDialer opens the broadcast channel.
type SSEDialer struct {
	Client *sse.Client
}

func (d SSEDialer) Dial(ctx context.Context, rt records.ResourceType) (EventStream, error) {
	s, err := d.Client.Dial(ctx, rt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d SSEDialer) Channel() string { return bus.ChannelBroadcast }

// WSDialer opens the room-scoped channel, joining the resource's room.
type WSDialer struct {
	Client *ws.Client
}

func (d WSDialer) Dial(ctx context.Context, rt records.ResourceType) (EventStream, error) {
	s, err := d.Client.Dial(ctx, rt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d WSDialer) Channel() string { return bus.ChannelRoom }
