package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is one row of a collection.
type Record struct {
	Key  string
	Data json.RawMessage
}

// Get returns the record stored under key.
func (db *DB) Get(ctx context.Context, collection, key string) (*Record, error) {
	conn, err := db.connection()
	if err != nil {
		return nil, err
	}

	var data string
	err = conn.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get "+collection+"/"+key, err)
	}
	return &Record{Key: key, Data: json.RawMessage(data)}, nil
}

// List returns every record of a collection in position order. An empty
// collection yields an empty slice.
func (db *DB) List(ctx context.Context, collection string) ([]Record, error) {
	conn, err := db.connection()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT key, data FROM records WHERE collection = ? ORDER BY position, key`,
		collection,
	)
	if err != nil {
		return nil, unavailable("list "+collection, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, unavailable("scan "+collection, err)
		}
		records = append(records, Record{Key: key, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list "+collection, err)
	}
	return records, nil
}

// Count returns the number of records in a collection.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	conn, err := db.connection()
	if err != nil {
		return 0, err
	}
	var n int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection,
	).Scan(&n); err != nil {
		return 0, unavailable("count "+collection, err)
	}
	return n, nil
}

// Put inserts or replaces one record. New keys are appended at the end of
// the collection; existing keys keep their position.
func (db *DB) Put(ctx context.Context, collection string, rec Record) error {
	return db.BulkPut(ctx, collection, []Record{rec})
}

// BulkPut writes records in one transaction.
func (db *DB) BulkPut(ctx context.Context, collection string, records []Record) error {
	if err := validate(collection, records); err != nil {
		return err
	}
	return db.withTx(ctx, "put "+collection, func(tx *sql.Tx) error {
		return putRecords(ctx, tx, collection, records)
	})
}

// Delete removes one record. Deleting a missing key is not an error.
func (db *DB) Delete(ctx context.Context, collection, key string) error {
	conn, err := db.connection()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key,
	); err != nil {
		return unavailable("delete "+collection+"/"+key, err)
	}
	return nil
}

// Clear removes every record of a collection.
func (db *DB) Clear(ctx context.Context, collection string) error {
	conn, err := db.connection()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ?`, collection,
	); err != nil {
		return unavailable("clear "+collection, err)
	}
	return nil
}

// Replace clears a collection and writes records in their given order as a
// single transaction. Readers never observe a partially replaced collection.
func (db *DB) Replace(ctx context.Context, collection string, records []Record) error {
	if err := validate(collection, records); err != nil {
		return err
	}
	return db.withTx(ctx, "replace "+collection, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ?`, collection,
		); err != nil {
			return err
		}
		return putRecords(ctx, tx, collection, records)
	})
}

// Collections returns the names of all non-empty collections.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	conn, err := db.connection()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT DISTINCT collection FROM records ORDER BY collection`)
	if err != nil {
		return nil, unavailable("list collections", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, unavailable("scan collections", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list collections", err)
	}
	return names, nil
}

func putRecords(ctx context.Context, tx *sql.Tx, collection string, records []Record) error {
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO records (collection, key, position, data, updated_at)
	VALUES (?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM records WHERE collection = ?), ?, ?)
	ON CONFLICT(collection, key) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, collection, rec.Key, collection, string(rec.Data), now); err != nil {
			return err
		}
	}
	return nil
}

func validate(collection string, records []Record) error {
	for _, rec := range records {
		if rec.Key == "" {
			return fmt.Errorf("record in %s has empty key", collection)
		}
		if !json.Valid(rec.Data) {
			return fmt.Errorf("record %s/%s is not valid JSON", collection, rec.Key)
		}
	}
	return nil
}

func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	conn, err := db.connection()
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction for "+op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit "+op, err)
	}
	return nil
}
