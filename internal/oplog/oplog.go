// Package oplog is the local mutation outbox.
//
// Every mutating accessor appends one entry describing what it wrote. The
// cloud sync engine drains unsynced entries on push, marks them synced once
// the remote acknowledged them, and prunes synced entries lazily.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/types"
)

// Log appends to and drains the mutations table.
type Log struct {
	db  *db.DB
	now func() time.Time
}

// New returns a log backed by the mutations table of d.
func New(d *db.DB) *Log {
	return &Log{db: d, now: time.Now}
}

// Add appends an unsynced entry with a fresh id and the current time.
func (l *Log) Add(ctx context.Context, typ string, payload any) (*types.Mutation, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s mutation: %w", typ, err)
	}
	m := &types.Mutation{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   raw,
		Timestamp: l.now().UTC(),
	}
	if err := l.insert(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to append mutation: %w", err)
	}
	return m, nil
}

// Import adds an entry received from elsewhere, keeping its id. It reports
// false when an entry with that id is present or was pruned after syncing.
func (l *Log) Import(ctx context.Context, m types.Mutation) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = l.now().UTC()
	}
	conn, err := l.conn()
	if err != nil {
		return false, err
	}
	res, err := conn.ExecContext(ctx, `
	INSERT OR IGNORE INTO mutations (id, type, payload, timestamp, synced)
	SELECT ?, ?, ?, ?, ?
	WHERE NOT EXISTS (SELECT 1 FROM pruned_mutations WHERE id = ?)
	`, m.ID, m.Type, string(m.Payload), formatTime(m.Timestamp), m.Synced, m.ID)
	if err != nil {
		return false, fmt.Errorf("failed to import mutation %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to import mutation %s: %w", m.ID, err)
	}
	return n > 0, nil
}

// ListUnsynced returns every unsynced entry, oldest first.
func (l *Log) ListUnsynced(ctx context.Context) ([]types.Mutation, error) {
	return l.query(ctx, `WHERE synced = 0 ORDER BY seq`)
}

// List returns entries recorded at or after since, oldest first. A zero
// since returns the whole log.
func (l *Log) List(ctx context.Context, since time.Time) ([]types.Mutation, error) {
	if since.IsZero() {
		return l.query(ctx, `ORDER BY seq`)
	}
	return l.query(ctx, `WHERE timestamp >= ? ORDER BY seq`, formatTime(since))
}

// MarkSynced flags the given entries as acknowledged by the remote.
// Unknown ids are ignored.
func (l *Log) MarkSynced(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := l.conn()
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE mutations SET synced = 1 WHERE id IN (%s)`, placeholders)
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %d mutations synced: %w", len(ids), err)
	}
	return nil
}

// PruneSynced deletes every synced entry and returns how many were removed.
// Pruned ids are remembered so Import never brings them back.
func (l *Log) PruneSynced(ctx context.Context) (int, error) {
	conn, err := l.conn()
	if err != nil {
		return 0, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO pruned_mutations (id) SELECT id FROM mutations WHERE synced = 1`); err != nil {
		return 0, fmt.Errorf("failed to record pruned mutations: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned mutations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return int(n), nil
}

// Count returns the number of entries, split by sync state.
func (l *Log) Count(ctx context.Context) (unsynced, synced int, err error) {
	conn, err := l.conn()
	if err != nil {
		return 0, 0, err
	}
	err = conn.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0)
	FROM mutations
	`).Scan(&unsynced, &synced)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return unsynced, synced, nil
}

func (l *Log) insert(ctx context.Context, m *types.Mutation) error {
	conn, err := l.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx,
		`INSERT INTO mutations (id, type, payload, timestamp, synced) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Type, string(m.Payload), formatTime(m.Timestamp), m.Synced,
	)
	return err
}

func (l *Log) query(ctx context.Context, clause string, args ...any) ([]types.Mutation, error) {
	conn, err := l.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx,
		`SELECT id, type, payload, timestamp, synced FROM mutations `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	out := []types.Mutation{}
	for rows.Next() {
		var (
			m       types.Mutation
			payload sql.NullString
			ts      string
		)
		if err := rows.Scan(&m.ID, &m.Type, &payload, &ts, &m.Synced); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		if payload.Valid && payload.String != "" {
			m.Payload = json.RawMessage(payload.String)
		}
		m.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp on mutation %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mutations: %w", err)
	}
	return out, nil
}

func (l *Log) conn() (*sql.DB, error) {
	if l.db == nil || l.db.Broken() {
		return nil, fmt.Errorf("mutation log: %w", db.ErrUnavailable)
	}
	conn := l.db.RawDB()
	if conn == nil {
		return nil, fmt.Errorf("mutation log: %w", db.ErrUnavailable)
	}
	return conn, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// formatTime uses a fixed-width layout so stored timestamps sort lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
