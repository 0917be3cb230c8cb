// Package sqlite provides SQLite-backed implementations of the offline cache
// and of the authoritative record repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/recordsync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation names for consistent error reporting
const (
	opRepoList  = "sqlite.Repository.List"
	opRepoWrite = "sqlite.Repository.Write"
)

const component = "storage/sqlite"

// ErrStoreClosed is returned by every method once Close has been called.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the SQLite cache and repository.
//
// Defaults applied by DefaultConfig:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:cache.db"
	DataSourceName string

	// EnableWAL appends "_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Logger receives internal diagnostics. Defaults to the package-level logger.
	Logger *logging.Logger

	// TableName overrides the table used by the cache ("snapshots") or the
	// repository ("records").
	TableName string

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults(table string) {
	if c.TableName == "" {
		c.TableName = table
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component))
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled for dataSourceName.
func DefaultConfig(dataSourceName string) *Config {
	return &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
}

// database is the connection handling shared by Cache and Repository.
type database struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *logging.Logger
	tableName string
}

func openDatabase(config *Config, table string) (*database, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	config.setDefaults(table)

	logger := config.Logger
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.String("table", config.TableName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	return &database{db: db, logger: logger, tableName: config.TableName}, nil
}

func (d *database) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the database connection.
func (d *database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}
