package records

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// FieldID is the identity field of every entity.
const FieldID = "id"

// ProvisionalPrefix marks ids generated locally before the server confirmed a write.
const ProvisionalPrefix = "tmp_"

// Entity is one record: an id plus arbitrary domain fields.
type Entity map[string]any

// ID returns the entity id as a string, or "" when it has none. Numeric ids
// are formatted without a fractional part.
func (e Entity) ID() string {
	if e == nil {
		return ""
	}
	switch v := e[FieldID].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// WithID returns a copy of e carrying id.
func (e Entity) WithID(id string) Entity {
	c := e.Clone()
	c[FieldID] = id
	return c
}

// WithoutID returns a copy of e minus its id field.
func (e Entity) WithoutID() Entity {
	c := e.Clone()
	delete(c, FieldID)
	return c
}

// Clone deep-copies e. Values are normalized to their JSON form, so numbers
// become float64 and nested structs become maps.
func (e Entity) Clone() Entity {
	if e == nil {
		return Entity{}
	}
	b, err := json.Marshal(map[string]any(e))
	if err != nil {
		out := make(Entity, len(e))
		for k, v := range e {
			out[k] = v
		}
		return out
	}
	var out Entity
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		out = Entity{}
	}
	return out
}

// Matches reports whether every field of want other than the id has an
// equal value in e. Both sides are compared in normalized JSON form.
func (e Entity) Matches(want Entity) bool {
	have := e.Clone()
	for k, v := range want.Clone() {
		if k == FieldID {
			continue
		}
		if !reflect.DeepEqual(have[k], v) {
			return false
		}
	}
	return true
}

// Merge returns a copy of e with fields overlaid.
func (e Entity) Merge(fields Entity) Entity {
	out := e.Clone()
	for k, v := range fields.Clone() {
		out[k] = v
	}
	return out
}

// NewProvisionalID generates a locally unique placeholder id.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was generated by NewProvisionalID.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// NewID generates a server-side id for rt, e.g. "employee_<uuid>".
func NewID(rt ResourceType) string {
	return rt.Singular() + "_" + uuid.NewString()
}
