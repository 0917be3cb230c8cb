// Package memory provides an in-memory records.Repository, used by tests and
// by servers started without a database.
package memory

import (
	"context"
	stdSync "sync"

	"github.com/c0deZ3R0/recordsync/records"
)

// Repository keeps every resource partition in insertion order.
type Repository struct {
	mu    stdSync.RWMutex
	order map[records.ResourceType][]string
	byID  map[records.ResourceType]map[string]records.Entity
}

var _ records.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{
		order: make(map[records.ResourceType][]string),
		byID:  make(map[records.ResourceType]map[string]records.Entity),
	}
}

// Seed inserts entities without assigning ids; entities lacking one are skipped.
func (r *Repository) Seed(rt records.ResourceType, entities ...records.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		if id := e.ID(); id != "" {
			r.put(rt, id, e.Clone())
		}
	}
}

func (r *Repository) List(ctx context.Context, rt records.ResourceType, opts records.ListOptions) ([]records.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]records.Entity, 0, len(r.order[rt]))
	for _, id := range r.order[rt] {
		out = append(out, r.byID[rt][id].Clone())
	}
	r.mu.RUnlock()

	records.SortEntities(out, opts.Sort)
	return out, nil
}

func (r *Repository) Get(ctx context.Context, rt records.ResourceType, id string) (records.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[rt][id]
	if !ok {
		return nil, records.ErrNotFound
	}
	return e.Clone(), nil
}

func (r *Repository) Create(ctx context.Context, rt records.ResourceType, e records.Entity) (records.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := e.ID()
	if id == "" {
		id = records.NewID(rt)
	}
	created := e.Clone().WithID(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[rt][id]; exists {
		return nil, records.ErrConflict
	}
	r.put(rt, id, created)
	return created.Clone(), nil
}

func (r *Repository) Update(ctx context.Context, rt records.ResourceType, id string, e records.Entity) (records.Entity, error) {
	return r.rewrite(ctx, rt, id, func(records.Entity) records.Entity { return e.Clone().WithID(id) })
}

func (r *Repository) Patch(ctx context.Context, rt records.ResourceType, id string, fields records.Entity) (records.Entity, error) {
	return r.rewrite(ctx, rt, id, func(cur records.Entity) records.Entity {
		return cur.Merge(fields.Clone()).WithID(id)
	})
}

func (r *Repository) rewrite(ctx context.Context, rt records.ResourceType, id string, fn func(records.Entity) records.Entity) (records.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[rt][id]
	if !ok {
		return nil, records.ErrNotFound
	}
	next := fn(cur)
	r.byID[rt][id] = next
	return next.Clone(), nil
}

func (r *Repository) Delete(ctx context.Context, rt records.ResourceType, id string) (records.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[rt][id]
	if !ok {
		return nil, records.ErrNotFound
	}
	delete(r.byID[rt], id)
	order := r.order[rt]
	for i, existing := range order {
		if existing == id {
			r.order[rt] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	return cur, nil
}

func (r *Repository) Close() error { return nil }

func (r *Repository) put(rt records.ResourceType, id string, e records.Entity) {
	if r.byID[rt] == nil {
		r.byID[rt] = make(map[string]records.Entity)
	}
	if _, exists := r.byID[rt][id]; !exists {
		r.order[rt] = append(r.order[rt], id)
	}
	r.byID[rt][id] = e
}
