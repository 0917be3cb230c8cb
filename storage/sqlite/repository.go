package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/records"
)

// Repository is a records.Repository persisting entities as JSON rows.
type Repository struct {
	*database
}

// Compile-time check to ensure Repository satisfies records.Repository
var _ records.Repository = (*Repository)(nil)

// NewRepository opens (creating if needed) a record repository.
func NewRepository(config *Config) (*Repository, error) {
	d, err := openDatabase(config, "records")
	if err != nil {
		return nil, err
	}
	r := &Repository{database: d}
	if err := r.setupSchema(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to setup repository schema: %w", err)
	}
	return r, nil
}

func (r *Repository) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        resource    TEXT NOT NULL,
        id          TEXT NOT NULL,
        data        TEXT NOT NULL,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (resource, id)
    );
    `, r.tableName)
	_, err := r.db.Exec(query)
	return err
}

func (r *Repository) List(ctx context.Context, rt records.ResourceType, opts records.ListOptions) ([]records.Entity, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE resource = ? ORDER BY seq ASC`, r.tableName), string(rt))
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoList, component)
	}
	defer rows.Close()

	out := make([]records.Entity, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opRepoList, component)
		}
		var e records.Entity
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, syncErrors.WrapOpComponent(fmt.Errorf("decode record: %w", err), opRepoList, component)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoList, component)
	}
	records.SortEntities(out, opts.Sort)
	return out, nil
}

func (r *Repository) Get(ctx context.Context, rt records.ResourceType, id string) (records.Entity, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.get(ctx, r.db, rt, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) get(ctx context.Context, q queryer, rt records.ResourceType, id string) (records.Entity, error) {
	var data string
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE resource = ? AND id = ?`, r.tableName), string(rt), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoList, component)
	}
	var e records.Entity
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("decode record: %w", err), opRepoList, component)
	}
	return e, nil
}

func (r *Repository) Create(ctx context.Context, rt records.ResourceType, e records.Entity) (records.Entity, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	id := e.ID()
	if id == "" {
		id = records.NewID(rt)
	}
	created := e.WithID(id)
	data, err := json.Marshal(created)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	_, err = r.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (resource, id, data) VALUES (?, ?, ?)`, r.tableName), string(rt), id, string(data))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, records.ErrConflict
		}
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	return created, nil
}

func (r *Repository) Update(ctx context.Context, rt records.ResourceType, id string, e records.Entity) (records.Entity, error) {
	return r.rewrite(ctx, rt, id, func(records.Entity) records.Entity { return e.WithID(id) })
}

func (r *Repository) Patch(ctx context.Context, rt records.ResourceType, id string, fields records.Entity) (records.Entity, error) {
	return r.rewrite(ctx, rt, id, func(cur records.Entity) records.Entity { return cur.Merge(fields).WithID(id) })
}

func (r *Repository) rewrite(ctx context.Context, rt records.ResourceType, id string, fn func(records.Entity) records.Entity) (_ records.Entity, err error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	cur, err := r.get(ctx, tx, rt, id)
	if err != nil {
		return nil, err
	}
	next := fn(cur)
	data, err := json.Marshal(next)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	if _, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET data = ?, updated_at = CURRENT_TIMESTAMP WHERE resource = ? AND id = ?`, r.tableName),
		string(data), string(rt), id); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	if err = tx.Commit(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	return next, nil
}

func (r *Repository) Delete(ctx context.Context, rt records.ResourceType, id string) (_ records.Entity, err error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	cur, err := r.get(ctx, tx, rt, id)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE resource = ? AND id = ?`, r.tableName), string(rt), id); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	if err = tx.Commit(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opRepoWrite, component)
	}
	return cur, nil
}
