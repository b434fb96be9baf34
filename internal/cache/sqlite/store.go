// Package sqlite provides a persistent cache.Storage backed by SQLite, so
// an installed shell survives a restart of the proxy.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"offlinegate/internal/cache"
	"offlinegate/internal/cache/sqlite/migrations"
)

// Store provides SQLite-backed named caches.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Open(ctx context.Context, name string) (cache.Cache, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{db: s.sqlDB, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM caches WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has cache %s: %w", name, err)
	}
	return true, nil
}

// Delete removes the named cache and all of its entries.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete cache %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete cache %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM caches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate caches: %w", err)
	}
	return names, nil
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, id cache.Identity) (*cache.Response, bool, error) {
	if !id.Cacheable() {
		return nil, false, nil
	}
	row := c.db.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at
		 FROM cache_entries
		 WHERE cache_name = ? AND method = ? AND url = ?`,
		c.name, id.Method, id.URL,
	)

	var (
		status     int
		headerJSON string
		body       []byte
		storedAt   int64
	)
	if err := row.Scan(&status, &headerJSON, &body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("match %s in %s: %w", id, c.name, err)
	}

	header := make(http.Header)
	if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
		return nil, false, fmt.Errorf("decode header for %s: %w", id, err)
	}
	if body == nil {
		body = []byte{}
	}
	return &cache.Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
		StoredAt:   time.UnixMilli(storedAt).UTC(),
	}, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, id cache.Identity, resp *cache.Response) error {
	if err := cache.ValidatePut(id, resp); err != nil {
		return err
	}
	return c.upsert(ctx, c.db, id, resp)
}

func (c *sqliteCache) PutAll(ctx context.Context, entries []cache.Entry) error {
	for _, e := range entries {
		if err := cache.ValidatePut(e.ID, e.Response); err != nil {
			return err
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put all in %s: %w", c.name, err)
	}
	for _, e := range entries {
		if err := c.upsert(ctx, tx, e.ID, e.Response); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put all in %s: %w", c.name, err)
	}
	return nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]cache.Identity, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE cache_name = ? ORDER BY stored_at, url`,
		c.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", c.name, err)
	}
	defer rows.Close()

	var keys []cache.Identity
	for rows.Next() {
		var id cache.Identity
		if err := rows.Scan(&id.Method, &id.URL); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys of %s: %w", c.name, err)
	}
	return keys, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (c *sqliteCache) upsert(ctx context.Context, db execer, id cache.Identity, resp *cache.Response) error {
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header for %s: %w", id, err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_name, method, url, status, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_name, method, url) DO UPDATE SET
		    status = excluded.status,
		    header_json = excluded.header_json,
		    body = excluded.body,
		    stored_at = excluded.stored_at`,
		c.name, id.Method, id.URL, resp.StatusCode, string(headerJSON), body, storedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s in %s: %w", id, c.name, err)
	}
	return nil
}
