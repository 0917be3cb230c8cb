package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

// setupTestRepository connects to the database named by
// POSTGRES_TEST_CONNECTION, skipping when it is unset.
func setupTestRepository(t *testing.T) *Repository {
	t.Helper()
	connStr := os.Getenv("POSTGRES_TEST_CONNECTION")
	if connStr == "" {
		t.Skip("POSTGRES_TEST_CONNECTION not set")
	}
	config := &Config{
		ConnectionString: connStr,
		Logger:           logging.Discard(),
		TableName:        "records_test",
		MaxOpenConns:     5,
		MaxIdleConns:     2,
	}
	repo, err := NewRepository(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := repo.db.Exec(`DELETE FROM records_test`); err != nil {
			t.Logf("Failed to clean up test data: %v", err)
		}
		repo.Close()
	})
	return repo
}

func TestConfig_Defaults(t *testing.T) {
	config := DefaultConfig("postgres://localhost/test")
	assert.Equal(t, "records", config.TableName)
	assert.Equal(t, "records_changes", config.Channel)
	assert.NotEmpty(t, config.InstanceID)
	assert.Equal(t, 25, config.MaxOpenConns)
	assert.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"no connection", Config{TableName: "records", Channel: "c"}},
		{"bad table", Config{ConnectionString: "x", TableName: "records; DROP", Channel: "c"}},
		{"bad channel", Config{ConnectionString: "x", TableName: "records", Channel: "Bad-Channel"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.config.Validate())
		})
	}
}

func TestRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	r := setupTestRepository(t)

	created, err := r.Create(ctx, records.Employees, records.Entity{"name": "Ana"})
	require.NoError(t, err)
	id := created.ID()
	assert.Contains(t, id, "employee_")

	_, err = r.Create(ctx, records.Employees, records.Entity{"id": id})
	assert.ErrorIs(t, err, records.ErrConflict)

	patched, err := r.Patch(ctx, records.Employees, id, records.Entity{"title": "CTO"})
	require.NoError(t, err)
	assert.Equal(t, records.Entity{"id": id, "name": "Ana", "title": "CTO"}, patched)

	updated, err := r.Update(ctx, records.Employees, id, records.Entity{"name": "Ana Maria"})
	require.NoError(t, err)
	assert.Equal(t, records.Entity{"id": id, "name": "Ana Maria"}, updated)

	list, err := r.List(ctx, records.Employees, records.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = r.Delete(ctx, records.Employees, id)
	require.NoError(t, err)
	_, err = r.Get(ctx, records.Employees, id)
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestRepository_Closed(t *testing.T) {
	r := setupTestRepository(t)
	require.NoError(t, r.Close())
	_, err := r.List(context.Background(), records.Companies, records.ListOptions{})
	assert.ErrorIs(t, err, ErrStoreClosed)
}
