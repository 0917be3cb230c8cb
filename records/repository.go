package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNotFound is returned when no entity has the requested id.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when creating an entity whose id is taken.
	ErrConflict = errors.New("entity id already exists")
)

// ListOptions tunes Repository.List.
type ListOptions struct {
	// Sort orders the result by the named field, ascending. Empty keeps
	// insertion order.
	Sort string
}

// Repository is the authoritative record store behind the mutation endpoints.
// Implementations must be safe for concurrent use.
type Repository interface {
	List(ctx context.Context, rt ResourceType, opts ListOptions) ([]Entity, error)
	Get(ctx context.Context, rt ResourceType, id string) (Entity, error)

	// Create stores e, assigning NewID(rt) when e has no id.
	Create(ctx context.Context, rt ResourceType, e Entity) (Entity, error)

	// Update replaces every field of the entity with id.
	Update(ctx context.Context, rt ResourceType, id string, e Entity) (Entity, error)

	// Patch overlays fields on the entity with id.
	Patch(ctx context.Context, rt ResourceType, id string, fields Entity) (Entity, error)

	// Delete removes the entity with id and returns it.
	Delete(ctx context.Context, rt ResourceType, id string) (Entity, error)

	Close() error
}

// SortEntities orders entities in place by field, keeping the existing order
// for ties and for entities lacking the field (which sort last).
func SortEntities(entities []Entity, field string) {
	if field == "" {
		return
	}
	sort.SliceStable(entities, func(i, j int) bool {
		a, aok := entities[i][field]
		b, bok := entities[j][field]
		if !aok || !bok {
			return aok && !bok
		}
		return less(a, b)
	})
}

func less(a, b any) bool {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
