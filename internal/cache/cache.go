// Package cache implements a persistent resource cache: TTL'd tables of
// parsed resource parameter tuples, used for completion and resource
// resolution. A Collection is a virtual table spanning one or more
// physical tables, one per combination of aggregate parameter values,
// refreshed on expiry by an Updater.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Cache is a persistent store of named, TTL'd string-tuple tables.
type Cache struct {
	db *sql.DB
}

// New opens (or creates) a cache database at the given path. Creates
// parent directories if needed. Enables WAL mode and a busy timeout.
func New(ctx context.Context, dbPath string) (*Cache, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	return initCache(ctx, db)
}

// NewMemory creates an in-memory cache for testing. Uses a shared cache
// so multiple connections see the same database.
func NewMemory(ctx context.Context) (*Cache, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory cache: %w", err)
	}
	return initCache(ctx, db)
}

func initCache(ctx context.Context, db *sql.DB) (*Cache, error) {
	// Required for ON DELETE CASCADE with modernc.org/sqlite.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	c := &Cache{db: db}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

// initSchema creates the metadata and row tables if they don't exist.
func (c *Cache) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_tables (
		name TEXT PRIMARY KEY,
		columns INTEGER NOT NULL,
		keys INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		modified INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cache_rows (
		table_name TEXT NOT NULL,
		row_key TEXT NOT NULL,
		row_data TEXT NOT NULL,
		PRIMARY KEY (table_name, row_key),
		FOREIGN KEY (table_name) REFERENCES cache_tables(name) ON DELETE CASCADE
	);
	`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// DeleteTable drops a table and its rows.
func (c *Cache) DeleteTable(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_tables WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete table %q: %w", name, err)
	}
	return nil
}

// TableNames returns the names of all tables in the cache.
func (c *Cache) TableNames(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM cache_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}
