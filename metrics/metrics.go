// Package metrics defines the observability hooks of the sync layer.
package metrics

import "time"

// Collector provides hooks for collecting change-propagation metrics.
type Collector interface {
	// EventPublished records one event fanned out on channel ("sse" or "ws").
	EventPublished(channel, resource string)

	// EventDropped records a message discarded because a subscriber queue was full.
	EventDropped(channel, resource string)

	// EventApplied records how a received event changed a client store.
	EventApplied(resource, outcome string)

	// Refetch records a full refetch and what triggered it.
	Refetch(resource, reason string)

	// ReconnectAttempt records one reconnection attempt on channel.
	ReconnectAttempt(channel, resource string)

	// FetchCompleted records where a fetch got its data ("network" or "cache").
	FetchCompleted(resource, source string, d time.Duration)

	// SubscriberConnected and SubscriberDisconnected track live subscribers per channel.
	SubscriberConnected(channel string)
	SubscriberDisconnected(channel string)
}

// NoOp is a default implementation that does nothing
type NoOp struct{}

var _ Collector = NoOp{}

func (NoOp) EventPublished(channel, resource string)                 {}
func (NoOp) EventDropped(channel, resource string)                   {}
func (NoOp) EventApplied(resource, outcome string)                   {}
func (NoOp) Refetch(resource, reason string)                         {}
func (NoOp) ReconnectAttempt(channel, resource string)               {}
func (NoOp) FetchCompleted(resource, source string, d time.Duration) {}
func (NoOp) SubscriberConnected(channel string)                      {}
func (NoOp) SubscriberDisconnected(channel string)                   {}

// OrNoOp returns c, or NoOp when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOp{}
	}
	return c
}
