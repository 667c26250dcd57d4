// Package storage is the resilient accessor layer: the only code that reads
// or writes the player's persisted state.
//
// Every operation first ensures the one-time legacy migration ran, then
// tries the durable store and falls back to the flat store when the durable
// store is unavailable. Callers cannot tell which backend served them.
// Successful durable writes are mirrored to the flat store so a later
// fallback sees current data. Fallback writes mark their collection dirty;
// dirty collections are copied back before the durable store serves again.
//
// Each mutating accessor appends an entry to the mutation log and stamps the
// local last-change time. Both are best-effort: failures are logged and the
// write still counts as successful.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/migrate"
	"github.com/leveling/leveling/internal/oplog"
	"github.com/leveling/leveling/internal/types"
)

// maxPrimaryFailures is the number of consecutive durable-store failures
// after which it is disabled until ResetPrimary.
const maxPrimaryFailures = 3

// TitleChecker evaluates the title catalog and awards titles whose gates
// pass. Package progress provides the implementation.
type TitleChecker interface {
	CheckAndAwardTitles(ctx context.Context) ([]types.Title, error)
}

// Config configures a Store.
type Config struct {
	// DB is the durable store. Nil runs on the flat store alone.
	DB *db.DB

	// Flat is the legacy flat store. Required.
	Flat *flatstore.Store

	// Log receives one entry per mutating call. Nil disables recording.
	Log *oplog.Log

	// Logger defaults to stderr with a [store] prefix.
	Logger *log.Logger

	// OnTitlesAwarded is called from background title checks that awarded
	// at least one title.
	OnTitlesAwarded func([]types.Title)
}

// Store is the accessor layer. Safe for concurrent use.
type Store struct {
	db      *db.DB
	flat    *flatstore.Store
	primary Backend
	legacy  Backend
	oplog   *oplog.Log
	logger  *log.Logger
	now     func() time.Time

	migrator   *migrate.Migrator
	migrateMu  sync.Mutex
	migrated   bool
	lastResult *migrate.Result

	migrateWarned atomic.Bool

	failures atomic.Int32

	// dirtyMu guards the dirty marker; dirty caches whether it is set.
	dirtyMu sync.Mutex
	dirty   atomic.Bool

	// mu serializes read-modify-write accessors.
	mu sync.Mutex

	hookMu          sync.RWMutex
	titles          TitleChecker
	onTitlesAwarded func([]types.Title)
	bg              sync.WaitGroup
}

// New creates a store. If the durable store was disabled in an earlier
// session it stays disabled.
func New(cfg Config) (*Store, error) {
	if cfg.Flat == nil {
		return nil, fmt.Errorf("storage: flat store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	s := &Store{
		db:              cfg.DB,
		flat:            cfg.Flat,
		legacy:          NewLegacyBackend(cfg.Flat),
		oplog:           cfg.Log,
		logger:          logger,
		now:             time.Now,
		onTitlesAwarded: cfg.OnTitlesAwarded,
	}

	if cfg.DB != nil {
		primary := NewPrimaryBackend(cfg.DB)
		s.primary = primary
		s.migrator = migrate.New(migrate.Config{
			Flat:   cfg.Flat,
			Target: primary,
			Logger: log.New(logger.Writer(), "[migrate] ", logger.Flags()),
		})

		disabled, err := cfg.Flat.Has(flatstore.KeyPrimaryDisabled)
		if err != nil {
			return nil, fmt.Errorf("failed to read primary store flag: %w", err)
		}
		if disabled {
			logger.Printf("durable store disabled by an earlier failure, using flat store")
			cfg.DB.MarkBroken()
		}
		dirty, err := cfg.Flat.Has(flatstore.KeyPrimaryDirty)
		if err != nil {
			return nil, fmt.Errorf("failed to read dirty marker: %w", err)
		}
		s.dirty.Store(dirty)
	}
	return s, nil
}

// SetTitleChecker installs the checker used after gold gains and first task
// completions.
func (s *Store) SetTitleChecker(tc TitleChecker) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.titles = tc
}

// OnTitlesAwarded replaces the callback for background title awards.
func (s *Store) OnTitlesAwarded(fn func([]types.Title)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onTitlesAwarded = fn
}

// Flat returns the flat store.
func (s *Store) Flat() *flatstore.Store {
	return s.flat
}

// Wait blocks until scheduled background work has finished.
func (s *Store) Wait() {
	s.bg.Wait()
}

// Close waits for background work. The caller closes the database.
func (s *Store) Close() error {
	s.Wait()
	return nil
}

// Backend reports which backend would serve the next call.
func (s *Store) Backend(ctx context.Context) string {
	if s.primaryUsable(ctx) == nil {
		return s.primary.Name()
	}
	return s.legacy.Name()
}

// Migrate runs the legacy migration if it has not completed yet and
// returns the result of the run that completed it.
func (s *Store) Migrate(ctx context.Context) (*migrate.Result, error) {
	if s.migrator == nil {
		return nil, fmt.Errorf("migrate: %w", db.ErrUnavailable)
	}
	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()

	if s.migrated {
		return s.lastResult, nil
	}
	if err := s.primaryUsable(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	res, err := s.migrator.MigrateOnce(ctx)
	if err != nil {
		return nil, err
	}
	s.migrated = true
	s.lastResult = res
	return res, nil
}

func (s *Store) ensureMigrated(ctx context.Context) {
	if s.migrator == nil || s.db.Broken() {
		return
	}
	if _, err := s.Migrate(ctx); err != nil && s.migrateWarned.CompareAndSwap(false, true) {
		s.logger.Printf("Warning: legacy migration not completed: %v", err)
	}
}

// ResetPrimary re-enables a durable store disabled after repeated failures
// and copies the collections written to the flat store in the meantime.
func (s *Store) ResetPrimary(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("reset: %w", db.ErrUnavailable)
	}
	wasBroken := s.db.Broken()
	s.db.MarkAvailable()
	if err := s.primary.Available(ctx); err != nil {
		if wasBroken {
			s.db.MarkBroken()
		}
		return fmt.Errorf("durable store still unavailable: %w", err)
	}
	if err := s.flat.Remove(flatstore.KeyPrimaryDisabled); err != nil {
		return err
	}
	s.failures.Store(0)
	s.ensureMigrated(ctx)
	return s.resyncPrimary(ctx)
}

// primaryUsable reports whether the durable store can serve: it answers
// and holds no data older than the flat store.
func (s *Store) primaryUsable(ctx context.Context) error {
	if s.primary == nil {
		return fmt.Errorf("no durable store: %w", db.ErrUnavailable)
	}
	if err := s.primary.Available(ctx); err != nil {
		s.primaryFailed("ping", err)
		return err
	}
	if err := s.resyncPrimary(ctx); err != nil {
		s.primaryFailed("resync", err)
		return err
	}
	return nil
}

// DirtyCollections lists collections written to the flat store while the
// durable store was unavailable.
func (s *Store) DirtyCollections() ([]string, error) {
	raw, ok, err := s.flat.Get(flatstore.KeyPrimaryDirty)
	if err != nil || !ok {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("failed to decode dirty marker: %w", err)
	}
	return names, nil
}

// markDirty records that c was written to the flat store only.
func (s *Store) markDirty(c types.Collection) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()

	names, err := s.DirtyCollections()
	if err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	for _, n := range names {
		if n == c.Name {
			s.dirty.Store(true)
			return
		}
	}
	raw, err := json.Marshal(append(names, c.Name))
	if err == nil {
		err = s.flat.Set(flatstore.KeyPrimaryDirty, raw)
	}
	if err != nil {
		s.logger.Printf("Warning: failed to mark %s dirty: %v", c.Name, err)
	}
	s.dirty.Store(true)
}

// resyncPrimary copies dirty collections from the flat store into the
// durable store and clears the marker. Collections that copied stay clean
// when a later one fails.
func (s *Store) resyncPrimary(ctx context.Context) error {
	if !s.dirty.Load() {
		return nil
	}
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	if !s.dirty.Load() {
		return nil
	}

	names, err := s.DirtyCollections()
	if err != nil {
		s.logger.Printf("Warning: %v, dropping it", err)
		names = nil
	}
	for i, name := range names {
		c, ok := types.LookupCollection(name)
		if !ok {
			continue
		}
		doc, err := s.legacy.Load(ctx, c)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, ErrMalformed):
			s.logger.Printf("Warning: not copying %v", err)
			continue
		case err != nil:
			return s.keepDirty(names[i:], fmt.Errorf("failed to read %s for resync: %w", name, err))
		}
		if err := s.primary.Save(ctx, c, doc); err != nil {
			if errors.Is(err, ErrMalformed) {
				s.logger.Printf("Warning: not copying %s: %v", name, err)
				continue
			}
			return s.keepDirty(names[i:], fmt.Errorf("failed to resync %s: %w", name, err))
		}
	}
	if err := s.flat.Remove(flatstore.KeyPrimaryDirty); err != nil {
		return fmt.Errorf("failed to clear dirty marker: %w", err)
	}
	s.dirty.Store(false)
	if len(names) > 0 {
		s.logger.Printf("copied %d collections written during fallback into the durable store", len(names))
	}
	return nil
}

func (s *Store) keepDirty(rest []string, cause error) error {
	if raw, err := json.Marshal(rest); err == nil {
		if err := s.flat.Set(flatstore.KeyPrimaryDirty, raw); err != nil {
			s.logger.Printf("Warning: failed to update dirty marker: %v", err)
		}
	}
	return cause
}

func (s *Store) primaryFailed(op string, err error) {
	if !errors.Is(err, db.ErrUnavailable) || s.db.Broken() {
		return
	}
	n := s.failures.Add(1)
	s.logger.Printf("Warning: durable store %s failed, using flat store: %v", op, err)
	if n < maxPrimaryFailures {
		return
	}
	s.db.MarkBroken()
	if ferr := s.flat.SetString(flatstore.KeyPrimaryDisabled, "true"); ferr != nil {
		s.logger.Printf("Warning: failed to persist primary store flag: %v", ferr)
	}
	s.logger.Printf("durable store disabled after %d consecutive failures", n)
}

// load returns the document of c from the first backend able to serve it.
func (s *Store) load(ctx context.Context, c types.Collection) ([]byte, error) {
	s.ensureMigrated(ctx)

	if s.primaryUsable(ctx) == nil {
		doc, err := s.primary.Load(ctx, c)
		if err == nil || errors.Is(err, ErrNotFound) {
			s.failures.Store(0)
			return doc, err
		}
		s.primaryFailed("load "+c.Name, err)
	}

	doc, err := s.legacy.Load(ctx, c)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrMalformed) {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return doc, err
}

// save writes doc to the first backend able to take it, without recording
// a mutation.
func (s *Store) save(ctx context.Context, c types.Collection, doc []byte) error {
	s.ensureMigrated(ctx)

	if s.primaryUsable(ctx) == nil {
		err := s.primary.Save(ctx, c, doc)
		if err == nil {
			s.failures.Store(0)
			if merr := s.legacy.Save(ctx, c, doc); merr != nil {
				s.logger.Printf("Warning: failed to mirror %s to flat store: %v", c.Name, merr)
			}
			return nil
		}
		if errors.Is(err, ErrMalformed) {
			return err
		}
		s.primaryFailed("save "+c.Name, err)
	}

	if err := s.legacy.Save(ctx, c, doc); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if s.primary != nil {
		s.markDirty(c)
	}
	return nil
}

// put encodes v, saves it and records the mutation. The document is
// normalized first so both backends hold the same records.
func (s *Store) put(ctx context.Context, name string, v any) error {
	c := types.MustCollection(name)
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	doc, err := migrate.Normalize(c, raw)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrMalformed, err)
	}
	if err := s.save(ctx, c, doc); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	s.recordMutation(ctx, name, doc)
	return nil
}

func (s *Store) recordMutation(ctx context.Context, typ string, doc []byte) {
	if err := s.setLocalUpdatedAt(s.now()); err != nil {
		s.logger.Printf("Warning: failed to stamp local change: %v", err)
	}
	if s.oplog == nil {
		return
	}
	if _, err := s.oplog.Add(ctx, typ, json.RawMessage(doc)); err != nil {
		s.logger.Printf("Warning: failed to record %s mutation: %v", typ, err)
	}
}

// get decodes collection name into a T, or returns def() when the
// collection is absent or malformed.
func get[T any](ctx context.Context, s *Store, name string, def func() T) (T, error) {
	c := types.MustCollection(name)
	doc, err := s.load(ctx, c)
	switch {
	case errors.Is(err, ErrNotFound):
		return def(), nil
	case errors.Is(err, ErrMalformed):
		s.logger.Printf("Warning: %v, using defaults", err)
		return def(), nil
	case err != nil:
		var zero T
		return zero, fmt.Errorf("failed to load %s: %w", name, err)
	}

	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		s.logger.Printf("Warning: %s is malformed, using defaults: %v", name, err)
		return def(), nil
	}
	return v, nil
}

// ScheduleTitleCheck runs the installed title checker in the background.
// Failures are logged. Wait blocks until it finishes.
func (s *Store) ScheduleTitleCheck(ctx context.Context) {
	s.scheduleTitleCheck(ctx)
}

func (s *Store) scheduleTitleCheck(ctx context.Context) {
	s.hookMu.RLock()
	tc, notify := s.titles, s.onTitlesAwarded
	s.hookMu.RUnlock()
	if tc == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		awarded, err := tc.CheckAndAwardTitles(ctx)
		if err != nil {
			s.logger.Printf("Warning: title check failed: %v", err)
			return
		}
		if len(awarded) > 0 && notify != nil {
			notify(awarded)
		}
	}()
}
