// Package flatstore is the legacy key/value store: one JSON file per key in
// a single directory. It is the fallback when the durable store is
// unavailable and the source of the one-time migration.
package flatstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Keys used by the leveling core.
const (
	KeyPlayerData       = "leveling_player_data"
	KeyTasks            = "leveling_tasks"
	KeyNotifications    = "leveling_notifications"
	KeyBlocked          = "leveling_blocked"
	KeyShopItems        = "leveling_shop_items"
	KeyShopCategories   = "leveling_shop_categories"
	KeyPurchasedItems   = "leveling_purchased_items"
	KeyPurchaseHistory  = "leveling_purchase_history"
	KeyProgressiveTasks = "leveling_progressive_tasks"
	KeyTimeTasks        = "leveling_time_tasks"
	KeyTitles           = "leveling_titles"
	KeyEarnedTitles     = "leveling_earned_titles"
	KeySelectedTitle    = "leveling_selected_title"
	KeyCompletedTasks   = "leveling_completed_tasks"

	KeyLastSave       = "leveling_last_save"
	KeyLastRestore    = "leveling_last_restore"
	KeyLocalUpdatedAt = "leveling_local_updated_at"

	// KeyMigrated is set once the legacy keys were copied into the durable store.
	KeyMigrated = "leveling_migrated_to_indexeddb"
	// KeyPrimaryDisabled is set when the durable store failed beyond recovery.
	KeyPrimaryDisabled = "leveling_indexeddb_disabled"
	// KeyPrimaryDirty lists collections written here while the durable
	// store was unavailable.
	KeyPrimaryDirty = "leveling_indexeddb_dirty"
)

const ext = ".json"

// Store is a directory of JSON files. Safe for concurrent use within one
// process; writes are atomic with respect to other processes.
type Store struct {
	mu  sync.RWMutex
	dir string
}

// Open returns a store rooted at dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create flat store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file backing key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+ext)
}

// Get returns the raw value of key. ok is false when the key is absent.
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, true, nil
}

// GetString returns the value of key as a string, "" when absent.
func (s *Store) GetString(key string) (string, error) {
	data, _, err := s.Get(key)
	return string(data), err
}

// Has reports whether key is present.
func (s *Store) Has(key string) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// Set writes value under key via a temp file and rename.
func (s *Store) Set(key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, s.Path(key)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	return nil
}

// SetString writes a string value.
func (s *Store) SetString(key, value string) error {
	return s.Set(key, []byte(value))
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Keys lists every stored key, sorted.
func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list flat store: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ext))
	}
	sort.Strings(keys)
	return keys, nil
}

// KeyForPath maps a file path inside the store back to its key.
func (s *Store) KeyForPath(path string) (string, bool) {
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return "", false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
		return "", false
	}
	return strings.TrimSuffix(name, ext), true
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("invalid flat store key %q", key)
	}
	return nil
}
