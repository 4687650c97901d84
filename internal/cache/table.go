package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTableExpired is returned by Table.Select when the table's TTL has
// elapsed (or the table has never been validated). Callers refresh the
// table via its updater and re-select.
var ErrTableExpired = errors.New("cache table expired")

// keySeparator joins key columns into a row key. Unit separator, so
// ordinary resource names cannot collide.
const keySeparator = "\x1f"

// Table is one physical cache table: rows are string tuples, the first
// Keys columns form the row key. A table starts expired and becomes
// valid when Validate is called after a refresh.
type Table struct {
	cache    *Cache
	Name     string
	Columns  int
	Keys     int
	Timeout  time.Duration
	modified time.Time // zero until first Validate
}

// Table returns the named table, creating its metadata if absent. An
// existing table's column and key counts must match.
func (c *Cache) Table(ctx context.Context, name string, columns, keys int, timeout time.Duration) (*Table, error) {
	if columns < 1 {
		return nil, fmt.Errorf("table %q: columns must be >= 1", name)
	}
	if keys < 1 || keys > columns {
		return nil, fmt.Errorf("table %q: keys must be in [1, columns]", name)
	}

	var (
		gotColumns, gotKeys int
		timeoutSeconds      int64
		modifiedUnix        int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT columns, keys, timeout_seconds, modified FROM cache_tables WHERE name = ?`,
		name).Scan(&gotColumns, &gotKeys, &timeoutSeconds, &modifiedUnix)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = c.db.ExecContext(ctx,
			`INSERT INTO cache_tables (name, columns, keys, timeout_seconds, modified) VALUES (?, ?, ?, ?, 0)`,
			name, columns, keys, int64(timeout/time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to create table %q: %w", name, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up table %q: %w", name, err)
	default:
		if gotColumns != columns || gotKeys != keys {
			return nil, fmt.Errorf("table %q exists with %d columns / %d keys, requested %d / %d",
				name, gotColumns, gotKeys, columns, keys)
		}
	}

	t := &Table{
		cache:   c,
		Name:    name,
		Columns: columns,
		Keys:    keys,
		Timeout: timeout,
	}
	if modifiedUnix > 0 {
		t.modified = time.Unix(modifiedUnix, 0)
	}
	return t, nil
}

// Expired reports whether the table needs a refresh before its rows can
// be trusted. Timeout zero means the table never expires once validated.
func (t *Table) Expired() bool {
	if t.modified.IsZero() {
		return true
	}
	if t.Timeout <= 0 {
		return false
	}
	return time.Now().After(t.modified.Add(t.Timeout))
}

// AddRows inserts rows, replacing any row with the same key columns.
func (t *Table) AddRows(ctx context.Context, rows [][]string) error {
	tx, err := t.cache.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if len(row) != t.Columns {
			return fmt.Errorf("table %q: row has %d columns, want %d", t.Name, len(row), t.Columns)
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}
		key := strings.Join(row[:t.Keys], keySeparator)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cache_rows (table_name, row_key, row_data) VALUES (?, ?, ?)
			ON CONFLICT(table_name, row_key) DO UPDATE SET row_data = excluded.row_data
		`, t.Name, key, string(data))
		if err != nil {
			return fmt.Errorf("failed to insert row into %q: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// DeleteRows removes every row in the table.
func (t *Table) DeleteRows(ctx context.Context) error {
	_, err := t.cache.db.ExecContext(ctx, `DELETE FROM cache_rows WHERE table_name = ?`, t.Name)
	if err != nil {
		return fmt.Errorf("failed to delete rows from %q: %w", t.Name, err)
	}
	return nil
}

// Validate marks the table fresh as of now.
func (t *Table) Validate(ctx context.Context) error {
	now := time.Now()
	_, err := t.cache.db.ExecContext(ctx,
		`UPDATE cache_tables SET modified = ? WHERE name = ?`, now.Unix(), t.Name)
	if err != nil {
		return fmt.Errorf("failed to validate table %q: %w", t.Name, err)
	}
	t.modified = now
	return nil
}

// Invalidate marks the table expired so the next Select refreshes it.
func (t *Table) Invalidate(ctx context.Context) error {
	_, err := t.cache.db.ExecContext(ctx,
		`UPDATE cache_tables SET modified = 0 WHERE name = ?`, t.Name)
	if err != nil {
		return fmt.Errorf("failed to invalidate table %q: %w", t.Name, err)
	}
	t.modified = time.Time{}
	return nil
}

// Select returns the rows matching template. A template column that is
// empty matches any value; otherwise it is matched with * and ?
// wildcards. Returns ErrTableExpired when the table needs a refresh,
// unless ignoreExpiration is set.
func (t *Table) Select(ctx context.Context, template []string, ignoreExpiration bool) ([][]string, error) {
	if len(template) > t.Columns {
		return nil, fmt.Errorf("table %q: template has %d columns, table has %d", t.Name, len(template), t.Columns)
	}
	if !ignoreExpiration && t.Expired() {
		return nil, fmt.Errorf("table %q: %w", t.Name, ErrTableExpired)
	}

	rows, err := t.cache.db.QueryContext(ctx,
		`SELECT row_data FROM cache_rows WHERE table_name = ? ORDER BY row_key`, t.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %q: %w", t.Name, err)
	}
	defer rows.Close()

	var matched [][]string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var row []string
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("failed to decode row in %q: %w", t.Name, err)
		}
		if matchRow(template, row) {
			matched = append(matched, row)
		}
	}
	return matched, rows.Err()
}

// matchRow matches each template column against the corresponding row
// column. Template columns beyond len(template) match everything.
func matchRow(template, row []string) bool {
	for i, pattern := range template {
		if i >= len(row) {
			return false
		}
		if !matchColumn(pattern, row[i]) {
			return false
		}
	}
	return true
}

// matchColumn matches value against pattern, where * matches any run of
// characters and ? matches a single character. An empty pattern matches
// any value.
func matchColumn(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	return wildcardMatch(pattern, value)
}

func wildcardMatch(pattern, value string) bool {
	p, v := []rune(pattern), []rune(value)
	// Iterative wildcard matching with backtracking over the last *.
	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
