// Package store holds the client-side, insertion-ordered collection of
// entities for one resource type.
package store

import (
	"sync"

	"github.com/c0deZ3R0/recordsync/records"
)

// Outcome reports what applying a ChangeEvent did to the store.
type Outcome int

const (
	// Ignored means the event changed nothing (duplicate delete, unknown kind).
	Ignored Outcome = iota
	// Inserted means a new entity was added.
	Inserted
	// Replaced means an existing entity's fields were overwritten.
	Replaced
	// Removed means an entity was deleted.
	Removed
	// NeedsRefetch means the event could not be applied and signals missed
	// history: an added event without an id, or an update for an absent id.
	NeedsRefetch
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Removed:
		return "removed"
	case NeedsRefetch:
		return "needs_refetch"
	default:
		return "ignored"
	}
}

// ResourceStore is an ordered collection with at most one entity per id.
// It is safe for concurrent use; every method is atomic.
type ResourceStore struct {
	resource records.ResourceType

	mu    sync.RWMutex
	order []string
	byID  map[string]records.Entity

	// mutations made while a Mark is open, replayed by ReplaceSince
	seq      uint64
	nextMark uint64
	marks    map[uint64]uint64
	journal  []change

	// listeners run on their own goroutine, started by the first OnChange
	listenersMu sync.RWMutex
	listeners   []func()
	notifyOnce  sync.Once
	signal      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

type changeKind int

const (
	changeUpsert changeKind = iota
	changeUpdate
	changeRemove
	changeSwap
)

type change struct {
	seq    uint64
	kind   changeKind
	id     string
	oldID  string
	entity records.Entity
}

// Mark is a position in the store's mutation history. See ReplaceSince.
type Mark struct {
	id  uint64
	seq uint64
}

// New creates an empty store for rt.
func New(rt records.ResourceType) *ResourceStore {
	return &ResourceStore{
		resource: rt,
		byID:     make(map[string]records.Entity),
		marks:    make(map[uint64]uint64),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Resource returns the resource type the store holds.
func (s *ResourceStore) Resource() records.ResourceType { return s.resource }

// OnChange registers fn to run after mutations that changed the store.
// Listeners run on a goroutine owned by the store, never on the goroutine
// that mutated it, so a listener may take any lock or close the sync that
// feeds the store. Changes made while listeners are running are coalesced
// into one more call.
func (s *ResourceStore) OnChange(fn func()) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
	s.notifyOnce.Do(func() { go s.notifyLoop() })
}

// Close stops delivering change notifications. The content stays readable.
func (s *ResourceStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *ResourceStore) changed() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *ResourceStore) notifyLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		s.listenersMu.RLock()
		listeners := append([]func(){}, s.listeners...)
		s.listenersMu.RUnlock()
		for _, fn := range listeners {
			select {
			case <-s.done:
				return
			default:
			}
			fn()
		}
	}
}

// Apply applies ev idempotently:
//   - added: insert, or replace fields when the id is already present
//   - added without id: NeedsRefetch, nothing inserted
//   - updated: replace fields; NeedsRefetch when the id is absent
//   - deleted: remove; Ignored when the id is absent
//
// Events for another resource type are Ignored.
func (s *ResourceStore) Apply(ev records.ChangeEvent) Outcome {
	if ev.Resource != s.resource {
		return Ignored
	}
	var out Outcome
	switch ev.Kind {
	case records.Added:
		if ev.Entity == nil || ev.Entity.ID() == "" {
			return NeedsRefetch
		}
		return s.Upsert(ev.Entity)
	case records.Updated:
		id := ev.ID()
		if id == "" || ev.Entity == nil {
			return NeedsRefetch
		}
		e := ev.Entity.WithID(id)
		s.mu.Lock()
		s.record(change{kind: changeUpdate, id: id, entity: e})
		ok := s.updateLocked(id, e)
		s.mu.Unlock()
		if !ok {
			return NeedsRefetch
		}
		out = Replaced
	case records.Deleted:
		if !s.Remove(ev.ID()) {
			return Ignored
		}
		return Removed
	default:
		return Ignored
	}
	s.changed()
	return out
}

// Upsert inserts e or replaces the entity with the same id.
func (s *ResourceStore) Upsert(e records.Entity) Outcome {
	if e.ID() == "" {
		return Ignored
	}
	c := e.Clone()
	s.mu.Lock()
	s.record(change{kind: changeUpsert, id: c.ID(), entity: c})
	out := s.upsertLocked(c)
	s.mu.Unlock()
	s.changed()
	return out
}

// Remove deletes the entity with id and reports whether it was present.
func (s *ResourceStore) Remove(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	s.record(change{kind: changeRemove, id: id})
	ok := s.removeLocked(id)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// Swap atomically replaces the entity with oldID by e, keeping oldID's
// position. When e's id is already present elsewhere, oldID is just removed
// and the existing entity is replaced in place, so the swap never duplicates
// a row.
func (s *ResourceStore) Swap(oldID string, e records.Entity) Outcome {
	if e.ID() == "" {
		return Ignored
	}
	c := e.Clone()
	s.mu.Lock()
	s.record(change{kind: changeSwap, id: c.ID(), oldID: oldID, entity: c})
	out := s.swapLocked(oldID, c)
	s.mu.Unlock()
	s.changed()
	return out
}

// Replace swaps the whole content for entities. Entities without an id are
// skipped; a later duplicate id overwrites the earlier one in place.
func (s *ResourceStore) Replace(entities []records.Entity) {
	order, byID := index(entities)
	s.mu.Lock()
	s.order = order
	s.byID = byID
	s.mu.Unlock()
	s.changed()
}

// Mark starts recording mutations. A full fetch takes a Mark before its
// request and hands it to ReplaceSince, so events applied while the request
// was in flight survive the snapshot. Every Mark must end in ReplaceSince
// or Release.
func (s *ResourceStore) Mark() Mark {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMark++
	m := Mark{id: s.nextMark, seq: s.seq}
	s.marks[m.id] = m.seq
	return m
}

// ReplaceSince replaces the content with entities, then re-applies every
// mutation recorded after m, and releases m.
func (s *ResourceStore) ReplaceSince(m Mark, entities []records.Entity) {
	order, byID := index(entities)
	s.mu.Lock()
	s.order = order
	s.byID = byID
	for _, ch := range s.journal {
		if ch.seq <= m.seq {
			continue
		}
		switch ch.kind {
		case changeUpsert:
			s.upsertLocked(ch.entity)
		case changeUpdate:
			s.updateLocked(ch.id, ch.entity)
		case changeRemove:
			s.removeLocked(ch.id)
		case changeSwap:
			s.swapLocked(ch.oldID, ch.entity)
		}
	}
	s.releaseLocked(m)
	s.mu.Unlock()
	s.changed()
}

// Release stops recording for m. Releasing twice is a no-op.
func (s *ResourceStore) Release(m Mark) {
	s.mu.Lock()
	s.releaseLocked(m)
	s.mu.Unlock()
}

func (s *ResourceStore) releaseLocked(m Mark) {
	delete(s.marks, m.id)
	if len(s.marks) == 0 {
		s.journal = nil
		return
	}
	oldest := s.seq
	for _, seq := range s.marks {
		oldest = min(oldest, seq)
	}
	i := 0
	for i < len(s.journal) && s.journal[i].seq <= oldest {
		i++
	}
	s.journal = s.journal[i:]
}

// record appends ch to the journal while a Mark is open.
func (s *ResourceStore) record(ch change) {
	s.seq++
	if len(s.marks) == 0 {
		return
	}
	ch.seq = s.seq
	s.journal = append(s.journal, ch)
}

func (s *ResourceStore) upsertLocked(c records.Entity) Outcome {
	id := c.ID()
	if _, ok := s.byID[id]; ok {
		s.byID[id] = c
		return Replaced
	}
	s.byID[id] = c
	s.order = append(s.order, id)
	return Inserted
}

func (s *ResourceStore) updateLocked(id string, e records.Entity) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	s.byID[id] = e
	return true
}

func (s *ResourceStore) removeLocked(id string) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	s.removeOrderLocked(id)
	return true
}

func (s *ResourceStore) swapLocked(oldID string, c records.Entity) Outcome {
	newID := c.ID()
	_, hadOld := s.byID[oldID]
	_, hadNew := s.byID[newID]
	switch {
	case oldID == newID || (hadNew && !hadOld):
		s.byID[newID] = c
		return Replaced
	case hadNew:
		delete(s.byID, oldID)
		s.removeOrderLocked(oldID)
		s.byID[newID] = c
		return Replaced
	case hadOld:
		delete(s.byID, oldID)
		for i, oid := range s.order {
			if oid == oldID {
				s.order[i] = newID
				break
			}
		}
		s.byID[newID] = c
		return Replaced
	default:
		s.byID[newID] = c
		s.order = append(s.order, newID)
		return Inserted
	}
}

func (s *ResourceStore) removeOrderLocked(id string) {
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func index(entities []records.Entity) ([]string, map[string]records.Entity) {
	order := make([]string, 0, len(entities))
	byID := make(map[string]records.Entity, len(entities))
	for _, e := range entities {
		id := e.ID()
		if id == "" {
			continue
		}
		if _, dup := byID[id]; !dup {
			order = append(order, id)
		}
		byID[id] = e.Clone()
	}
	return order, byID
}

// Get returns a copy of the entity with id.
func (s *ResourceStore) Get(id string) (records.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Has reports whether an entity with id is present.
func (s *ResourceStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of entities.
func (s *ResourceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Snapshot returns copies of all entities in insertion order.
func (s *ResourceStore) Snapshot() []records.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]records.Entity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// IDs returns the ids in insertion order.
func (s *ResourceStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
