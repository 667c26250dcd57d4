// Package remote holds the cloud side of sync: one save record per user,
// written with last-writer-wins upserts.
//
// Remote is implemented three ways: GormStore persists records in Postgres,
// Memory keeps them in process, and Client talks to a Server over HTTP.
// Server exposes any Remote behind bearer-token auth.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leveling/leveling/internal/types"
)

var (
	// ErrNotConfigured is returned when sync credentials are missing.
	ErrNotConfigured = errors.New("remote not configured")

	// ErrRequestFailed wraps network, auth and server failures.
	ErrRequestFailed = errors.New("remote request failed")

	// ErrNotFound is returned when the user has no save record.
	ErrNotFound = errors.New("no remote save")
)

// SaveRecord is the single per-user record held by the remote.
type SaveRecord struct {
	UserID string `json:"user_id"`

	// SaveData is the full local state at push time.
	SaveData *types.Snapshot `json:"save_data"`

	// LastModified is set by the remote on every write.
	LastModified time.Time `json:"last_modified"`

	// LastSave is the client's previous push time, nil on the first push.
	LastSave *time.Time `json:"last_save"`

	Mutations []types.Mutation `json:"mutations"`
}

// Meta is the timestamp-only view of a save record.
type Meta struct {
	LastModified time.Time  `json:"last_modified"`
	LastSave     *time.Time `json:"last_save"`
}

// Remote stores save records.
type Remote interface {
	// Fetch returns the record of userID, or ErrNotFound.
	Fetch(ctx context.Context, userID string) (*SaveRecord, error)

	// FetchMeta returns the timestamps of userID's record, or ErrNotFound.
	FetchMeta(ctx context.Context, userID string) (*Meta, error)

	// Upsert replaces the record of rec.UserID and returns it as stored,
	// with LastModified set.
	Upsert(ctx context.Context, rec *SaveRecord) (*SaveRecord, error)
}

// Memory is an in-process Remote.
type Memory struct {
	mu      sync.Mutex
	records map[string]*SaveRecord
	now     func() time.Time
	calls   int
}

// NewMemory returns an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*SaveRecord), now: time.Now}
}

// SetClock replaces the clock used for LastModified.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Fetch implements Remote.
func (m *Memory) Fetch(ctx context.Context, userID string) (*SaveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	rec, ok := m.records[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// FetchMeta implements Remote.
func (m *Memory) FetchMeta(ctx context.Context, userID string) (*Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	rec, ok := m.records[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return &Meta{LastModified: rec.LastModified, LastSave: rec.LastSave}, nil
}

// Upsert implements Remote.
func (m *Memory) Upsert(ctx context.Context, rec *SaveRecord) (*SaveRecord, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	stored := cloneRecord(rec)
	stored.LastModified = storedTime(m.now())
	if stored.LastSave != nil {
		t := storedTime(*stored.LastSave)
		stored.LastSave = &t
	}
	m.records[rec.UserID] = stored
	return cloneRecord(stored), nil
}

// Calls returns the number of requests served.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Put stores rec as is, LastModified included. Used to seed tests.
func (m *Memory) Put(rec *SaveRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = cloneRecord(rec)
}

// storedTime rounds t down to the microsecond precision of a Postgres
// timestamp, so a returned LastModified equals what a later read sees.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func validate(rec *SaveRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("save record without user id: %w", ErrRequestFailed)
	}
	if rec.SaveData == nil {
		return fmt.Errorf("save record without data: %w", ErrRequestFailed)
	}
	return nil
}

func cloneRecord(rec *SaveRecord) *SaveRecord {
	c := *rec
	if rec.SaveData != nil {
		snap := types.NewSnapshot()
		for k, v := range rec.SaveData.Data {
			snap.Data[k] = append([]byte(nil), v...)
		}
		if rec.SaveData.UpdatedAt != nil {
			t := *rec.SaveData.UpdatedAt
			snap.UpdatedAt = &t
		}
		c.SaveData = snap
	}
	if rec.LastSave != nil {
		t := *rec.LastSave
		c.LastSave = &t
	}
	c.Mutations = append([]types.Mutation(nil), rec.Mutations...)
	return &c
}
