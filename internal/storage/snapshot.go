package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/migrate"
	"github.com/leveling/leveling/internal/types"
)

// ExportSnapshot returns every stored collection plus the local last-change
// time. Collections never written are left out.
func (s *Store) ExportSnapshot(ctx context.Context) (*types.Snapshot, error) {
	snap := types.NewSnapshot()
	for _, c := range types.Collections() {
		doc, err := s.load(ctx, c)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, ErrMalformed):
			s.logger.Printf("Warning: leaving %s out of snapshot: %v", c.Name, err)
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to export %s: %w", c.Name, err)
		}
		snap.Set(c, doc)
	}

	updated, err := s.LocalUpdatedAt()
	if err != nil {
		return nil, err
	}
	snap.UpdatedAt = updated
	return snap, nil
}

// ImportSnapshot replaces every collection present in snap wholesale.
// Collections absent from snap are left alone. No mutations are recorded;
// the local last-change time becomes the snapshot's.
func (s *Store) ImportSnapshot(ctx context.Context, snap *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, c := range types.Collections() {
		raw, ok := snap.Get(c)
		if !ok {
			continue
		}
		doc, err := migrate.Normalize(c, raw)
		if err != nil {
			s.logger.Printf("Warning: skipping malformed %s in snapshot: %v", c.Name, err)
			continue
		}
		if err := s.save(ctx, c, doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to import snapshot: %w", errors.Join(errs...))
	}

	stamp := s.now()
	if snap.UpdatedAt != nil {
		stamp = *snap.UpdatedAt
	}
	return s.setLocalUpdatedAt(stamp)
}

// SyncMetadata returns when this device last pushed to and restored from
// the cloud.
func (s *Store) SyncMetadata(ctx context.Context) (types.SyncMetadata, error) {
	var md types.SyncMetadata
	var err error
	if md.LastLocalSaveAt, err = s.readTime(flatstore.KeyLastSave); err != nil {
		return md, err
	}
	if md.LastLocalRestoreAt, err = s.readTime(flatstore.KeyLastRestore); err != nil {
		return md, err
	}
	return md, nil
}

// RecordSave stores the time of the last successful push.
func (s *Store) RecordSave(t time.Time) error {
	return s.writeTime(flatstore.KeyLastSave, t)
}

// RecordRestore stores the time of the last restore from the cloud.
func (s *Store) RecordRestore(t time.Time) error {
	return s.writeTime(flatstore.KeyLastRestore, t)
}

// LocalUpdatedAt returns the time of the last local change, or nil if
// nothing was written yet.
func (s *Store) LocalUpdatedAt() (*time.Time, error) {
	return s.readTime(flatstore.KeyLocalUpdatedAt)
}

func (s *Store) setLocalUpdatedAt(t time.Time) error {
	return s.writeTime(flatstore.KeyLocalUpdatedAt, t)
}

// Timestamps are stored as bare RFC 3339 strings, as older clients did.
func (s *Store) writeTime(key string, t time.Time) error {
	if err := s.flat.SetString(key, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to record %s: %w", key, err)
	}
	return nil
}

func (s *Store) readTime(key string) (*time.Time, error) {
	v, err := s.flat.GetString(key)
	if err != nil {
		return nil, err
	}
	v = strings.Trim(strings.TrimSpace(v), `"`)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.logger.Printf("Warning: ignoring malformed %s %q: %v", key, v, err)
		return nil, nil
	}
	return &t, nil
}
