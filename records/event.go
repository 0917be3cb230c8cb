package records

import (
	"fmt"
	"time"
)

// Kind is the kind of mutation a ChangeEvent describes.
type Kind string

const (
	Added   Kind = "added"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
)

func (k Kind) valid() bool {
	return k == Added || k == Updated || k == Deleted
}

// roomVerb is the verb used for k on the room channel.
func (k Kind) roomVerb() string {
	if k == Added {
		return "created"
	}
	return string(k)
}

// ChangeEvent describes one successful mutation of one entity. Added and
// Updated events carry Entity; Deleted events carry EntityID only.
type ChangeEvent struct {
	Kind     Kind
	Resource ResourceType
	Entity   Entity
	EntityID string

	// CorrelationID echoes the client token sent with the create request, if any.
	CorrelationID string
}

// ID returns the id of the entity the event refers to.
func (ev ChangeEvent) ID() string {
	if ev.Kind == Deleted || ev.Entity == nil {
		return ev.EntityID
	}
	if id := ev.Entity.ID(); id != "" {
		return id
	}
	return ev.EntityID
}

// BroadcastType is the event type on the broadcast channel, e.g. "employee_added".
func (ev ChangeEvent) BroadcastType() string {
	return ev.Resource.Singular() + "_" + string(ev.Kind)
}

// RoomEvent is the event name on the room channel, e.g. "employee_created".
func (ev ChangeEvent) RoomEvent() string {
	return ev.Resource.Singular() + "_" + ev.Kind.roomVerb()
}

// Validate checks the structural invariants a publisher must respect. A
// receiver may still see added events without an id from older producers;
// those are handled by refetching, not by Validate.
func (ev ChangeEvent) Validate() error {
	if !ev.Resource.Valid() {
		return fmt.Errorf("unknown resource type %q", ev.Resource)
	}
	if !ev.Kind.valid() {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.ID() == "" {
		return fmt.Errorf("%s event for %s has no entity id", ev.Kind, ev.Resource)
	}
	return nil
}

// Notification is a human-readable, non-authoritative summary of a change.
type Notification struct {
	Message  string       `json:"message"`
	Level    string       `json:"type"`
	Resource ResourceType `json:"resource,omitempty"`
	Data     Entity       `json:"data,omitempty"`
	At       time.Time    `json:"at,omitempty"`
}

// NotificationFor builds the toast summary for ev, e.g. "employee added".
func NotificationFor(ev ChangeEvent) Notification {
	data := ev.Entity
	if ev.Kind == Deleted {
		data = Entity{ev.Resource.IDKey(): ev.EntityID}
	}
	return Notification{
		Message:  ev.Resource.Singular() + " " + string(ev.Kind),
		Level:    "info",
		Resource: ev.Resource,
		Data:     data,
		At:       time.Now().UTC(),
	}
}

// Envelope is one decoded message from a delivery channel. Exactly one of
// Event, Notification and Refetch is set; Refetch names a resource whose
// subscribers were asked to reload everything.
type Envelope struct {
	Event        *ChangeEvent
	Notification *Notification
	Refetch      ResourceType
	// Joined acknowledges a room join on the room channel.
	Joined ResourceType
}
