// Package db is the durable record store behind the leveling accessors.
//
// Records live in an embedded SQLite database (ncruces/go-sqlite3, WAL
// mode). Each logical collection is a set of rows in the records table
// keyed by (collection, key), with a position column preserving list
// order. The mutation outbox has its own table, owned by package oplog.
//
// The store has no business semantics: it never appends to the mutation
// log and never interprets record payloads.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SchemaVersion is stored in PRAGMA user_version. A database written with a
// different version is dropped and recreated on open.
const SchemaVersion = 1

var (
	// ErrUnavailable means the engine could not serve the request. Callers
	// are expected to fall back to the flat store.
	ErrUnavailable = errors.New("durable store unavailable")

	// ErrNotFound means the requested key does not exist in the collection.
	ErrNotFound = errors.New("record not found")
)

// DB wraps the SQLite connection.
type DB struct {
	mu     sync.RWMutex
	conn   *sql.DB
	path   string
	broken atomic.Bool
}

// Open creates or opens the database at path and initializes its schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying connection, or nil after Close.
func (db *DB) RawDB() *sql.DB {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, key)
);

CREATE INDEX IF NOT EXISTS idx_records_position ON records(collection, position);

CREATE TABLE IF NOT EXISTS mutations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	payload TEXT,
	timestamp TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_mutations_synced ON mutations(synced);

CREATE TABLE IF NOT EXISTS pruned_mutations (
	id TEXT PRIMARY KEY
);
`

// InitSchema creates the schema if needed. A database carrying another
// schema version is recreated.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext is InitSchema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	conn, err := db.connection()
	if err != nil {
		return err
	}

	version, err := db.UserVersion(ctx)
	if err != nil {
		return err
	}
	if version != 0 && version != SchemaVersion {
		return db.RecreateContext(ctx)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// UserVersion returns the schema version recorded in the database file.
func (db *DB) UserVersion(ctx context.Context) (int, error) {
	conn, err := db.connection()
	if err != nil {
		return 0, err
	}
	var v int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, unavailable("read schema version", err)
	}
	return v, nil
}

// Recreate drops every table and rebuilds the schema. All local records
// are lost; callers reload them from the flat store or the cloud.
func (db *DB) Recreate() error {
	return db.RecreateContext(context.Background())
}

// RecreateContext is Recreate with context support.
func (db *DB) RecreateContext(ctx context.Context) error {
	conn, err := db.connection()
	if err != nil {
		return err
	}
	drop := `
	DROP TABLE IF EXISTS records;
	DROP TABLE IF EXISTS mutations;
	DROP TABLE IF EXISTS pruned_mutations;
	`
	if _, err := conn.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	db.broken.Store(false)
	return nil
}

// Ping reports whether the store can serve requests.
func (db *DB) Ping(ctx context.Context) error {
	conn, err := db.connection()
	if err != nil {
		return err
	}
	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// MarkBroken disables the store until MarkAvailable is called. Every call
// returns ErrUnavailable meanwhile.
func (db *DB) MarkBroken() {
	db.broken.Store(true)
}

// MarkAvailable re-enables a store disabled by MarkBroken.
func (db *DB) MarkAvailable() {
	db.broken.Store(false)
}

// Broken reports whether MarkBroken is in effect.
func (db *DB) Broken() bool {
	return db.broken.Load()
}

func (db *DB) connection() (*sql.DB, error) {
	if db.broken.Load() {
		return nil, fmt.Errorf("%w: disabled", ErrUnavailable)
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return nil, fmt.Errorf("%w: database closed", ErrUnavailable)
	}
	return db.conn, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
}
