package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"offlinegate/internal/cache"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	})
	return store
}

func get(path string) cache.Identity {
	return cache.Identity{Method: http.MethodGet, URL: path}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	openStore(t, path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()

	for _, table := range []string{"caches", "cache_entries", migrationTable} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, _ := first.Open(ctx, "orchestrator-v1")
	if err := c.Put(ctx, get("/index.html"), &cache.Response{StatusCode: 200, Body: []byte("<html>A</html>")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openStore(t, path)
	c, _ = second.Open(ctx, "orchestrator-v1")
	resp, ok, err := c.Match(ctx, get("/index.html"))
	if err != nil || !ok {
		t.Fatalf("match after reopen = %v, %v", ok, err)
	}
	if string(resp.Body) != "<html>A</html>" {
		t.Fatalf("body = %q", resp.Body)
	}
}

func TestPutMatchRoundTrip(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "cache.db"))
	ctx := context.Background()

	c, err := store.Open(ctx, "orchestrator-v1")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Add("Link", "</app.js>; rel=preload")
	header.Add("Link", "</app.css>; rel=preload")

	if err := c.Put(ctx, get("/"), &cache.Response{StatusCode: 200, Header: header, Body: []byte("OLD")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Put(ctx, get("/"), &cache.Response{StatusCode: 200, Header: header, Body: []byte("NEW")}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	resp, ok, err := c.Match(ctx, get("/"))
	if err != nil || !ok {
		t.Fatalf("match = %v, %v", ok, err)
	}
	if string(resp.Body) != "NEW" {
		t.Errorf("body = %q, want NEW", resp.Body)
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Errorf("content-type = %q", resp.Header.Get("Content-Type"))
	}
	if got := resp.Header.Values("Link"); len(got) != 2 {
		t.Errorf("Link values = %v, want 2", got)
	}
	if resp.StoredAt.IsZero() {
		t.Error("stored_at not set")
	}

	if _, ok, _ := c.Match(ctx, get("/missing")); ok {
		t.Error("match hit for missing key")
	}
}

func TestPutRejectsNonGET(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "cache.db"))
	ctx := context.Background()
	c, _ := store.Open(ctx, "c")

	err := c.Put(ctx, cache.Identity{Method: http.MethodPost, URL: "/projects"}, &cache.Response{StatusCode: 201})
	if !errors.Is(err, cache.ErrMethodNotCacheable) {
		t.Fatalf("err = %v, want ErrMethodNotCacheable", err)
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("keys = %v, want none", keys)
	}
}

func TestPutAllAtomic(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "cache.db"))
	ctx := context.Background()
	c, _ := store.Open(ctx, "c")

	err := c.PutAll(ctx, []cache.Entry{
		{ID: get("/"), Response: &cache.Response{StatusCode: 200, Body: []byte("root")}},
		{ID: get("/index.html"), Response: nil},
	})
	if err == nil {
		t.Fatal("expected error for nil response")
	}
	if keys, _ := c.Keys(ctx); len(keys) != 0 {
		t.Fatalf("partial batch stored: %v", keys)
	}

	err = c.PutAll(ctx, []cache.Entry{
		{ID: get("/"), Response: &cache.Response{StatusCode: 200, Body: []byte("root")}},
		{ID: get("/index.html"), Response: &cache.Response{StatusCode: 200, Body: []byte("index")}},
		{ID: get("/manifest.webmanifest"), Response: &cache.Response{StatusCode: 200, Body: []byte("{}")}},
	})
	if err != nil {
		t.Fatalf("put all: %v", err)
	}
	keys, _ := c.Keys(ctx)
	if len(keys) != 3 {
		t.Fatalf("keys = %v, want 3", keys)
	}
}

func TestDeleteAndNames(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "cache.db"))
	ctx := context.Background()

	v1, _ := store.Open(ctx, "orchestrator-v1")
	_, _ = store.Open(ctx, "orchestrator-v2")
	_ = v1.Put(ctx, get("/"), &cache.Response{StatusCode: 200, Body: []byte("v1")})

	names, err := store.Names(ctx)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 2 || names[0] != "orchestrator-v1" || names[1] != "orchestrator-v2" {
		t.Fatalf("names = %v", names)
	}

	deleted, err := store.Delete(ctx, "orchestrator-v1")
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	if has, _ := store.Has(ctx, "orchestrator-v1"); has {
		t.Fatal("cache still listed after delete")
	}

	reopened, _ := store.Open(ctx, "orchestrator-v1")
	if _, ok, _ := reopened.Match(ctx, get("/")); ok {
		t.Fatal("entries survived cache delete")
	}

	if deleted, _ := store.Delete(ctx, "nope"); deleted {
		t.Fatal("delete reported true for missing cache")
	}
}

func TestExtractUp(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id INTEGER);\n-- +migrate Down\nDROP TABLE a;\n"
	got := extractUp(content)
	if got != "\nCREATE TABLE a (id INTEGER);\n" {
		t.Fatalf("extractUp = %q", got)
	}
	if extractUp("SELECT 1;") != "SELECT 1;" {
		t.Fatal("content without markers should run whole")
	}
}
