// Package migrate copies the legacy flat-store keys into the durable store
// exactly once per installation.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/types"
)

// ErrPartialFailure wraps the per-collection errors of a migration that
// skipped some collections. It is logged, never returned by MigrateOnce.
var ErrPartialFailure = errors.New("migration skipped malformed collections")

// Target receives migrated documents. The durable-store backend of package
// storage implements it.
type Target interface {
	Available(ctx context.Context) error
	Save(ctx context.Context, c types.Collection, doc []byte) error
}

// Config configures a Migrator.
type Config struct {
	Flat   *flatstore.Store
	Target Target
	// Logger defaults to stderr with a [migrate] prefix.
	Logger *log.Logger
}

// Migrator performs the one-time legacy import.
type Migrator struct {
	flat   *flatstore.Store
	target Target
	logger *log.Logger
}

// Result summarizes one MigrateOnce call.
type Result struct {
	// AlreadyDone is true when the completion flag was set before the call.
	AlreadyDone bool
	// Migrated lists collections copied into the durable store.
	Migrated []string
	// Absent lists collections whose legacy key did not exist.
	Absent []string
	// Skipped lists collections whose legacy value could not be migrated.
	Skipped []string
	// Errors holds one error per skipped collection.
	Errors []error
}

// Err returns nil when nothing was skipped, otherwise an error wrapping
// ErrPartialFailure and every per-collection error.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPartialFailure, strings.Join(r.Skipped, ", "), errors.Join(r.Errors...))
}

// New creates a migrator.
func New(cfg Config) *Migrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Migrator{flat: cfg.Flat, target: cfg.Target, logger: logger}
}

// Done reports whether the completion flag is set.
func (m *Migrator) Done() (bool, error) {
	return m.flat.Has(flatstore.KeyMigrated)
}

// MigrateOnce imports every legacy key into the durable store and sets the
// completion flag. It is a no-op once the flag is set.
//
// A malformed key skips only its collection; the flag is still set. When
// the durable store itself cannot be written the migration counts as failed:
// an error is returned and the flag stays unset so the next start retries.
func (m *Migrator) MigrateOnce(ctx context.Context) (*Result, error) {
	done, err := m.Done()
	if err != nil {
		return nil, fmt.Errorf("failed to read migration flag: %w", err)
	}
	if done {
		return &Result{AlreadyDone: true}, nil
	}
	if err := m.target.Available(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	res := &Result{}
	for _, c := range types.Collections() {
		raw, ok, err := m.flat.Get(c.LegacyKey)
		if err != nil {
			res.skip(c, err)
			continue
		}
		if !ok {
			res.Absent = append(res.Absent, c.Name)
			continue
		}

		doc, err := Normalize(c, raw)
		if err != nil {
			res.skip(c, err)
			continue
		}
		if err := m.target.Save(ctx, c, doc); err != nil {
			if errors.Is(err, db.ErrUnavailable) {
				return nil, fmt.Errorf("failed to migrate %s: %w", c.Name, err)
			}
			res.skip(c, err)
			continue
		}
		res.Migrated = append(res.Migrated, c.Name)
	}

	if err := m.flat.SetString(flatstore.KeyMigrated, "true"); err != nil {
		return nil, fmt.Errorf("failed to set migration flag: %w", err)
	}
	if err := res.Err(); err != nil {
		m.logger.Printf("Warning: %v", err)
	}
	m.logger.Printf("migrated %d collections (%d absent, %d skipped)",
		len(res.Migrated), len(res.Absent), len(res.Skipped))
	return res, nil
}

func (r *Result) skip(c types.Collection, err error) {
	r.Skipped = append(r.Skipped, c.Name)
	r.Errors = append(r.Errors, fmt.Errorf("%s: %w", c.Name, err))
}

// Normalize validates a legacy value against the collection shape and
// upgrades older encodings:
//   - a profile without gold gets gold 0
//   - list elements without an id receive one
//   - list elements repeating an id collapse into the last of them, kept
//     at the position of the first
//   - id sets are stringified and deduplicated
//   - a bare selected-title id is quoted
func Normalize(c types.Collection, raw []byte) ([]byte, error) {
	if c.Shape == types.Singleton && !json.Valid(raw) {
		if c.Name != types.CollSelectedTitle {
			return nil, fmt.Errorf("invalid JSON")
		}
		quoted, err := json.Marshal(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, err
		}
		return quoted, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON")
	}

	v := gjson.ParseBytes(raw)
	switch c.Shape {
	case types.Singleton:
		if c.Name == types.CollPlayerProfile {
			return normalizeProfile(v, raw)
		}
		return raw, nil
	case types.List:
		if !v.IsArray() {
			return nil, fmt.Errorf("expected array, got %s", v.Type)
		}
		if c.KeyField == "" {
			return raw, nil
		}
		stamped, err := stampIDs(raw, c.KeyField)
		if err != nil {
			return nil, err
		}
		return dedupeKeys(stamped, c.KeyField)
	case types.Set:
		if !v.IsArray() {
			return nil, fmt.Errorf("expected array, got %s", v.Type)
		}
		return canonicalSet(v)
	case types.Map:
		if !v.IsObject() {
			return nil, fmt.Errorf("expected object, got %s", v.Type)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown shape %s", c.Shape)
	}
}

func normalizeProfile(v gjson.Result, raw []byte) ([]byte, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("expected object, got %s", v.Type)
	}
	if !v.Get("gold").Exists() {
		return sjson.SetBytes(raw, "gold", 0)
	}
	return raw, nil
}

func stampIDs(raw []byte, field string) ([]byte, error) {
	out := raw
	var err error
	for i, item := range gjson.ParseBytes(raw).Array() {
		if id := item.Get(field); id.Exists() && id.String() != "" {
			continue
		}
		out, err = sjson.SetBytes(out, fmt.Sprintf("%d.%s", i, field), uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("failed to assign id to element %d: %w", i, err)
		}
	}
	return out, nil
}

func dedupeKeys(raw []byte, field string) ([]byte, error) {
	items := gjson.ParseBytes(raw).Array()
	at := make(map[string]int, len(items))
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		key := item.Get(field).String()
		if i, ok := at[key]; ok {
			out[i] = json.RawMessage(item.Raw)
			continue
		}
		at[key] = len(out)
		out = append(out, json.RawMessage(item.Raw))
	}
	if len(out) == len(items) {
		return raw, nil
	}
	return json.Marshal(out)
}

func canonicalSet(v gjson.Result) ([]byte, error) {
	ids := []types.ID{}
	for _, item := range v.Array() {
		switch item.Type {
		case gjson.String, gjson.Number:
			ids = append(ids, types.ID(item.String()))
		case gjson.Null:
		default:
			return nil, fmt.Errorf("unexpected %s in id set", item.Type)
		}
	}
	return json.Marshal(types.CanonicalIDs(ids))
}
