package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/recordsync/cache"
	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/records"
)

// Cache is a durable OfflineCache. Each resource type is a partition of one
// table, and Save rewrites a partition inside a single transaction.
type Cache struct {
	*database
}

// Compile-time check to ensure Cache satisfies the OfflineCache interface
var _ cache.OfflineCache = (*Cache)(nil)

// NewCache opens (creating if needed) a snapshot cache.
func NewCache(config *Config) (*Cache, error) {
	d, err := openDatabase(config, "snapshots")
	if err != nil {
		return nil, err
	}
	c := &Cache{database: d}
	if err := c.setupSchema(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to setup cache schema: %w", err)
	}
	return c, nil
}

func (c *Cache) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        resource  TEXT NOT NULL,
        id        TEXT NOT NULL,
        position  INTEGER NOT NULL,
        data      TEXT NOT NULL,
        saved_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (resource, id)
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_position ON %[1]s (resource, position);
    `, c.tableName)
	_, err := c.db.Exec(query)
	return err
}

// Save replaces the rt partition with entities in one transaction, so a
// concurrent Load sees either the old or the new snapshot.
func (c *Cache) Save(ctx context.Context, rt records.ResourceType, entities []records.Entity) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpCacheSave, component)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE resource = ?`, c.tableName), string(rt)); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpCacheSave, component)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (resource, id, position, data) VALUES (?, ?, ?, ?)`, c.tableName))
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpCacheSave, component)
	}
	defer stmt.Close()

	for i, e := range entities {
		id := e.ID()
		if id == "" {
			continue
		}
		var data []byte
		data, err = json.Marshal(e)
		if err != nil {
			return syncErrors.WrapOpComponent(fmt.Errorf("marshal entity %s: %w", id, err), syncErrors.OpCacheSave, component)
		}
		if _, err = stmt.ExecContext(ctx, string(rt), id, i, string(data)); err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpCacheSave, component)
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpCacheSave, component)
	}

	c.logger.DebugContext(ctx, "snapshot saved",
		slog.String("resource", string(rt)),
		slog.Int("entities", len(entities)),
	)
	return nil
}

// Load returns the rt partition in saved order.
func (c *Cache) Load(ctx context.Context, rt records.ResourceType) ([]records.Entity, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE resource = ? ORDER BY position ASC`, c.tableName), string(rt))
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpCacheLoad, component)
	}
	defer rows.Close()

	out := make([]records.Entity, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, syncErrors.WrapOpComponent(fmt.Errorf("scan snapshot row: %w", err), syncErrors.OpCacheLoad, component)
		}
		var e records.Entity
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, syncErrors.WrapOpComponent(fmt.Errorf("decode snapshot row: %w", err), syncErrors.OpCacheLoad, component)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpCacheLoad, component)
	}
	return out, nil
}
