package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/migrate"
	"github.com/leveling/leveling/internal/types"
)

var (
	// ErrNotFound means the collection has never been written.
	ErrNotFound = errors.New("collection not stored")

	// ErrMalformed means the stored document does not match the collection
	// shape. Accessors treat it like an absent collection.
	ErrMalformed = errors.New("stored document is malformed")

	// ErrStoreUnavailable means neither backend could serve the request.
	ErrStoreUnavailable = errors.New("no storage backend available")
)

// Backend stores whole collections as JSON documents. A document is an
// array for list and set collections, an object keyed by task id for map
// collections, and any JSON value for singletons. Saving the JSON null
// removes a singleton.
type Backend interface {
	Name() string
	Available(ctx context.Context) error
	Load(ctx context.Context, c types.Collection) ([]byte, error)
	Save(ctx context.Context, c types.Collection, doc []byte) error
}

// singletonKey is the record key of singleton collections.
const singletonKey = "current"

// PrimaryBackend maps documents onto per-record rows of the durable store.
type PrimaryBackend struct {
	db *db.DB
}

// NewPrimaryBackend wraps d.
func NewPrimaryBackend(d *db.DB) *PrimaryBackend {
	return &PrimaryBackend{db: d}
}

func (b *PrimaryBackend) Name() string { return "primary" }

// Available pings the database.
func (b *PrimaryBackend) Available(ctx context.Context) error {
	return b.db.Ping(ctx)
}

// Load reassembles the document from the collection's records.
func (b *PrimaryBackend) Load(ctx context.Context, c types.Collection) ([]byte, error) {
	records, err := b.db.List(ctx, c.Name)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", c.Name, ErrNotFound)
	}

	switch c.Shape {
	case types.Singleton:
		return records[0].Data, nil
	case types.List, types.Set:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, r := range records {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(r.Data)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case types.Map:
		obj := make(map[string]json.RawMessage, len(records))
		for _, r := range records {
			obj[r.Key] = r.Data
		}
		return json.Marshal(obj)
	default:
		return nil, fmt.Errorf("unknown shape %s for %s", c.Shape, c.Name)
	}
}

// Save replaces the collection's records with the contents of doc in one
// transaction.
func (b *PrimaryBackend) Save(ctx context.Context, c types.Collection, doc []byte) error {
	records, err := toRecords(c, doc)
	if err != nil {
		return err
	}
	return b.db.Replace(ctx, c.Name, records)
}

// toRecords splits a document into records. List elements lacking a key
// are stamped with a fresh id; an element repeating an earlier key replaces
// it, as migrate.Normalize does.
func toRecords(c types.Collection, doc []byte) ([]db.Record, error) {
	if !json.Valid(doc) {
		return nil, fmt.Errorf("%s: %w: invalid JSON", c.Name, ErrMalformed)
	}
	v := gjson.ParseBytes(doc)

	switch c.Shape {
	case types.Singleton:
		if v.Type == gjson.Null {
			return nil, nil
		}
		return []db.Record{{Key: singletonKey, Data: json.RawMessage(doc)}}, nil

	case types.List:
		if !v.IsArray() {
			return nil, fmt.Errorf("%s: %w: expected array", c.Name, ErrMalformed)
		}
		var records []db.Record
		at := make(map[string]int)
		for _, item := range v.Array() {
			raw := []byte(item.Raw)
			key := item.Get(c.KeyField).String()
			if key == "" {
				key = uuid.NewString()
				stamped, err := sjson.SetBytes(raw, c.KeyField, key)
				if err != nil {
					return nil, fmt.Errorf("failed to stamp %s key: %w", c.Name, err)
				}
				raw = stamped
			}
			if i, ok := at[key]; ok {
				records[i].Data = raw
				continue
			}
			at[key] = len(records)
			records = append(records, db.Record{Key: key, Data: raw})
		}
		return records, nil

	case types.Set:
		if !v.IsArray() {
			return nil, fmt.Errorf("%s: %w: expected array", c.Name, ErrMalformed)
		}
		var records []db.Record
		seen := make(map[string]bool)
		for _, item := range v.Array() {
			key := item.String()
			if item.Type == gjson.Null || seen[key] {
				continue
			}
			seen[key] = true
			data, err := json.Marshal(key)
			if err != nil {
				return nil, err
			}
			records = append(records, db.Record{Key: key, Data: data})
		}
		return records, nil

	case types.Map:
		if !v.IsObject() {
			return nil, fmt.Errorf("%s: %w: expected object", c.Name, ErrMalformed)
		}
		var records []db.Record
		v.ForEach(func(k, val gjson.Result) bool {
			records = append(records, db.Record{Key: k.String(), Data: json.RawMessage(val.Raw)})
			return true
		})
		return records, nil

	default:
		return nil, fmt.Errorf("unknown shape %s for %s", c.Shape, c.Name)
	}
}

// LegacyBackend reads and writes one flat-store key per collection, in the
// pre-migration encoding.
type LegacyBackend struct {
	flat *flatstore.Store
}

// NewLegacyBackend wraps flat.
func NewLegacyBackend(flat *flatstore.Store) *LegacyBackend {
	return &LegacyBackend{flat: flat}
}

func (b *LegacyBackend) Name() string { return "legacy" }

// Available checks that the store directory exists.
func (b *LegacyBackend) Available(ctx context.Context) error {
	if _, err := os.Stat(b.flat.Dir()); err != nil {
		return fmt.Errorf("flat store: %w", err)
	}
	return nil
}

// Load reads the collection's key and upgrades older encodings.
func (b *LegacyBackend) Load(ctx context.Context, c types.Collection) ([]byte, error) {
	raw, ok, err := b.flat.Get(c.LegacyKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", c.Name, ErrNotFound)
	}
	doc, err := migrate.Normalize(c, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", c.Name, ErrMalformed, err)
	}
	return doc, nil
}

// Save writes doc under the collection's key. A null singleton removes it.
func (b *LegacyBackend) Save(ctx context.Context, c types.Collection, doc []byte) error {
	if c.Shape == types.Singleton && bytes.Equal(bytes.TrimSpace(doc), []byte("null")) {
		return b.flat.Remove(c.LegacyKey)
	}
	return b.flat.Set(c.LegacyKey, doc)
}
