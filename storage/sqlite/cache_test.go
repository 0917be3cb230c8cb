package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	config := DefaultConfig(filepath.Join(t.TempDir(), "cache.db"))
	config.Logger = logging.Discard()
	c, err := NewCache(config)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	entities := []records.Entity{
		{"id": "c1", "name": "Acme", "employees": float64(12)},
		{"id": "c2", "name": "Globex", "tags": []any{"a", "b"}},
	}
	require.NoError(t, c.Save(ctx, records.Companies, entities))

	got, err := c.Load(ctx, records.Companies)
	require.NoError(t, err)
	assert.Equal(t, entities, got, "saved order is preserved")
}

func TestCache_SaveReplacesWholePartition(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Save(ctx, records.Companies, []records.Entity{{"id": "1"}, {"id": "2"}}))
	require.NoError(t, c.Save(ctx, records.Departments, []records.Entity{{"id": "d1"}}))
	require.NoError(t, c.Save(ctx, records.Companies, []records.Entity{{"id": "3"}}))

	companies, err := c.Load(ctx, records.Companies)
	require.NoError(t, err)
	assert.Equal(t, []records.Entity{{"id": "3"}}, companies)

	departments, err := c.Load(ctx, records.Departments)
	require.NoError(t, err)
	assert.Len(t, departments, 1, "other partitions untouched")
}

func TestCache_LoadEmptyPartition(t *testing.T) {
	c := newTestCache(t)
	got, err := c.Load(context.Background(), records.Employees)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCache_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	config := DefaultConfig(path)
	config.Logger = logging.Discard()
	c, err := NewCache(config)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, records.Employees, []records.Entity{{"id": "e1", "name": "Ana"}}))
	require.NoError(t, c.Close())

	config = DefaultConfig(path)
	config.Logger = logging.Discard()
	reopened, err := NewCache(config)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(ctx, records.Employees)
	require.NoError(t, err)
	assert.Equal(t, []records.Entity{{"id": "e1", "name": "Ana"}}, got)
}

func TestCache_ReadersNeverSeePartialPartition(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	small := []records.Entity{{"id": "a"}}
	large := make([]records.Entity, 50)
	for i := range large {
		large[i] = records.Entity{"id": string(rune('A'+i%26)) + string(rune('a'+i/26))}
	}
	require.NoError(t, c.Save(ctx, records.Companies, small))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if i%2 == 0 {
				_ = c.Save(ctx, records.Companies, large)
			} else {
				_ = c.Save(ctx, records.Companies, small)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		got, err := c.Load(ctx, records.Companies)
		if err != nil {
			continue // SQLITE_BUSY under contention is acceptable, partial data is not
		}
		assert.Contains(t, []int{len(small), len(large)}, len(got))
	}
	wg.Wait()
}

func TestCache_Closed(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	_, err := c.Load(context.Background(), records.Companies)
	assert.ErrorIs(t, err, ErrStoreClosed)
}
