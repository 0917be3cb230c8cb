// Package cache defines the offline snapshot store used when the record
// server cannot be reached.
package cache

import (
	"context"
	"sync"

	"github.com/c0deZ3R0/recordsync/records"
)

// OfflineCache keeps one snapshot partition per resource type.
type OfflineCache interface {
	// Save replaces the partition for rt with entities. Readers observe either
	// the previous snapshot or the new one, never a mix.
	Save(ctx context.Context, rt records.ResourceType, entities []records.Entity) error

	// Load returns the last saved snapshot for rt in saved order, or an empty
	// slice when nothing was saved.
	Load(ctx context.Context, rt records.ResourceType) ([]records.Entity, error)

	Close() error
}

// Memory is a process-local OfflineCache. Each Save swaps in a freshly built
// partition under the lock.
type Memory struct {
	mu         sync.RWMutex
	partitions map[records.ResourceType][]records.Entity
}

var _ OfflineCache = (*Memory)(nil)

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{partitions: make(map[records.ResourceType][]records.Entity)}
}

func (m *Memory) Save(ctx context.Context, rt records.ResourceType, entities []records.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	partition := make([]records.Entity, 0, len(entities))
	for _, e := range entities {
		if e.ID() == "" {
			continue
		}
		partition = append(partition, e.Clone())
	}
	m.mu.Lock()
	m.partitions[rt] = partition
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(ctx context.Context, rt records.ResourceType) ([]records.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	partition := m.partitions[rt]
	m.mu.RUnlock()
	out := make([]records.Entity, 0, len(partition))
	for _, e := range partition {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
