package records

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Room channel event names that are not change events.
const (
	EventNotification = "notification"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventRoomJoined   = "room_joined"
)

const refreshSuffix = "_refresh"

// EncodeBroadcast renders ev as the JSON body of one broadcast-channel message:
//
//	{"type":"employee_added","resource":"employees","employee":{...}}
//	{"type":"employee_deleted","resource":"employees","employeeId":"e7"}
func EncodeBroadcast(ev ChangeEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	msg := map[string]any{
		"type":     ev.BroadcastType(),
		"resource": ev.Resource,
	}
	if ev.Kind == Deleted {
		msg[ev.Resource.IDKey()] = ev.ID()
	} else {
		msg[ev.Resource.Singular()] = ev.Entity
	}
	if ev.CorrelationID != "" {
		msg["correlationId"] = ev.CorrelationID
	}
	return json.Marshal(msg)
}

// EncodeRefresh renders the message asking broadcast subscribers of rt to refetch.
func EncodeRefresh(rt ResourceType) ([]byte, error) {
	return json.Marshal(map[string]any{"type": string(rt) + refreshSuffix, "resource": rt})
}

// DecodeBroadcast parses one broadcast-channel message. The resource is taken
// from the "resource" discriminant, falling back to the singular prefix of
// "type" for producers that omit it. An added or updated message whose
// entity payload is missing decodes to an event with a nil Entity.
func DecodeBroadcast(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode broadcast message: %w", err)
	}
	var typ string
	if err := json.Unmarshal(raw["type"], &typ); err != nil || typ == "" {
		return Envelope{}, fmt.Errorf("broadcast message has no type")
	}

	if strings.HasSuffix(typ, refreshSuffix) {
		rt, err := ParseResourceType(strings.TrimSuffix(typ, refreshSuffix))
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Refetch: rt}, nil
	}

	rt, kind, err := parseEventName(typ, stringField(raw, "resource"))
	if err != nil {
		return Envelope{}, err
	}
	ev := ChangeEvent{
		Kind:          kind,
		Resource:      rt,
		CorrelationID: stringField(raw, "correlationId"),
	}
	if kind == Deleted {
		ev.EntityID = idField(raw[rt.IDKey()])
		if ev.EntityID == "" {
			ev.EntityID = entityField(raw[rt.Singular()]).ID()
		}
	} else {
		ev.Entity = entityField(raw[rt.Singular()])
	}
	return Envelope{Event: &ev}, nil
}

// RoomMessage is the frame exchanged on the room channel in both directions.
type RoomMessage struct {
	Event         string          `json:"event"`
	Room          string          `json:"room,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// EncodeRoom renders ev as a room-channel frame:
//
//	{"event":"employee_created","room":"employees","data":{...}}
func EncodeRoom(ev ChangeEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	var payload any = ev.Entity
	if ev.Kind == Deleted {
		payload = map[string]string{ev.Resource.IDKey(): ev.ID()}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RoomMessage{
		Event:         ev.RoomEvent(),
		Room:          string(ev.Resource),
		Data:          data,
		CorrelationID: ev.CorrelationID,
	})
}

// EncodeNotification renders n as an untargeted room-channel frame.
func EncodeNotification(n Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RoomMessage{Event: EventNotification, Data: data})
}

// DecodeRoom parses one server-to-client room-channel frame.
func DecodeRoom(data []byte) (Envelope, error) {
	var msg RoomMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Envelope{}, fmt.Errorf("decode room message: %w", err)
	}
	if msg.Event == EventRoomJoined {
		rt, err := ParseResourceType(msg.Room)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Joined: rt}, nil
	}
	if msg.Event == EventNotification {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return Envelope{}, fmt.Errorf("decode notification: %w", err)
		}
		return Envelope{Notification: &n}, nil
	}

	rt, kind, err := parseEventName(msg.Event, msg.Room)
	if err != nil {
		return Envelope{}, err
	}
	ev := ChangeEvent{Kind: kind, Resource: rt, CorrelationID: msg.CorrelationID}
	entity := entityField(msg.Data)
	if kind == Deleted {
		ev.EntityID = idField(mustRaw(entity[rt.IDKey()]))
		if ev.EntityID == "" {
			ev.EntityID = entity.ID()
		}
	} else {
		ev.Entity = entity
	}
	return Envelope{Event: &ev}, nil
}

// JoinRoom builds the client frame subscribing to rt's room.
func JoinRoom(rt ResourceType) RoomMessage {
	return RoomMessage{Event: EventJoinRoom, Room: string(rt)}
}

// RoomJoined builds the server frame confirming that the connection is a
// member of rt's room. Events published after it is queued reach the client.
func RoomJoined(rt ResourceType) RoomMessage {
	return RoomMessage{Event: EventRoomJoined, Room: string(rt)}
}

// LeaveRoom builds the client frame leaving rt's room.
func LeaveRoom(rt ResourceType) RoomMessage {
	return RoomMessage{Event: EventLeaveRoom, Room: string(rt)}
}

// ParseRoomCommand interprets a client frame as a join (true) or leave
// (false) of a room. The legacy form "join_employee_room" is accepted.
func ParseRoomCommand(msg RoomMessage) (ResourceType, bool, error) {
	switch msg.Event {
	case EventJoinRoom, EventLeaveRoom:
		rt, err := ParseResourceType(msg.Room)
		if err != nil {
			return "", false, err
		}
		return rt, msg.Event == EventJoinRoom, nil
	}
	if strings.HasPrefix(msg.Event, "join_") && strings.HasSuffix(msg.Event, "_room") {
		singular := strings.TrimSuffix(strings.TrimPrefix(msg.Event, "join_"), "_room")
		if rt, ok := resourceForSingular(singular); ok {
			return rt, true, nil
		}
	}
	return "", false, fmt.Errorf("unknown room command %q", msg.Event)
}

func parseEventName(name, resource string) (ResourceType, Kind, error) {
	i := strings.LastIndex(name, "_")
	if i <= 0 {
		return "", "", fmt.Errorf("malformed event name %q", name)
	}
	singular, verb := name[:i], name[i+1:]

	var kind Kind
	switch verb {
	case "added", "created":
		kind = Added
	case "updated":
		kind = Updated
	case "deleted":
		kind = Deleted
	default:
		return "", "", fmt.Errorf("unknown event verb in %q", name)
	}

	if resource != "" {
		rt, err := ParseResourceType(resource)
		if err != nil {
			return "", "", err
		}
		if rt.Singular() != singular {
			return "", "", fmt.Errorf("event %q does not belong to resource %q", name, resource)
		}
		return rt, kind, nil
	}
	rt, ok := resourceForSingular(singular)
	if !ok {
		return "", "", fmt.Errorf("unknown resource in event %q", name)
	}
	return rt, kind, nil
}

func stringField(raw map[string]json.RawMessage, key string) string {
	var s string
	if v, ok := raw[key]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

func idField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return Entity{FieldID: v}.ID()
}

func entityField(raw json.RawMessage) Entity {
	if len(raw) == 0 {
		return nil
	}
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil
	}
	return e
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
