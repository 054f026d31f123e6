package state

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStore_SchemaCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	var name string
	err = store.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'processed_items'`).Scan(&name)
	if err != nil {
		t.Fatalf("Expected processed_items table: %v", err)
	}

	var indexes int
	err = store.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = 'processed_items' AND name LIKE 'idx_%'`).Scan(&indexes)
	if err != nil {
		t.Fatal(err)
	}
	if indexes != 3 {
		t.Errorf("Expected 3 indexes, got %d", indexes)
	}

	// Reopening runs migrations again without error.
	again, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Expected reopen to succeed, got %v", err)
	}
	again.Close()
}

func TestSQLiteStore_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewSQLiteStore(path, WithLockTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	other, err := sql.Open("sqlite", sqliteDSN(path, time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	tx, err := other.Begin()
	if err != nil {
		t.Fatalf("Failed to begin competing transaction: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM processed_items WHERE item_id = 'none'`); err != nil {
		t.Fatal(err)
	}

	err = store.MarkProcessed(context.Background(), "blocked", "rss", "feed", nil)
	if !IsLockTimeout(err) {
		t.Fatalf("Expected lock timeout while another writer holds the database, got %v", err)
	}
	var stateErr *Error
	if !errors.As(err, &stateErr) || stateErr.Backend != backendSQLite {
		t.Errorf("Expected *state.Error from sqlite backend, got %T", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkProcessed(context.Background(), "unblocked", "rss", "feed", nil); err != nil {
		t.Errorf("Expected write to succeed after release, got %v", err)
	}
}

func TestSQLiteStore_PreservesCreatedAt(t *testing.T) {
	clock := newFakeClock()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.MarkProcessed(ctx, "a", "rss", "feed", nil); err != nil {
		t.Fatal(err)
	}
	created := formatTimestamp(clock.Now())
	clock.Advance(time.Hour)
	if err := store.MarkProcessed(ctx, "a", "rss", "feed", nil); err != nil {
		t.Fatal(err)
	}

	var createdAt, processedAt string
	err = store.db.QueryRow(`SELECT created_at, processed_timestamp FROM processed_items WHERE item_id = 'a'`).Scan(&createdAt, &processedAt)
	if err != nil {
		t.Fatal(err)
	}
	if createdAt != created {
		t.Errorf("Expected created_at %s, got %s", created, createdAt)
	}
	if processedAt != formatTimestamp(clock.Now()) {
		t.Errorf("Expected processed_timestamp %s, got %s", formatTimestamp(clock.Now()), processedAt)
	}
}

func TestSQLiteStore_DropsMalformedRows(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.MarkProcessed(ctx, "good", "rss", "feed", nil); err != nil {
		t.Fatal(err)
	}
	_, err = store.db.Exec(`INSERT INTO processed_items (item_id, actions_json, processed_timestamp, created_at) VALUES ('bad', 'not-json', '2024-01-01T00:00:00.000000000Z', '2024-01-01T00:00:00.000000000Z')`)
	if err != nil {
		t.Fatal(err)
	}

	c, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 || c.Items["good"] == nil {
		t.Errorf("Expected only the good record, got %d items", c.Len())
	}
}
