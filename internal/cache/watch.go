package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/leveling/leveling/internal/types"
)

// DefaultDebounce is how long a flat file must stay quiet before the
// collection it holds is reloaded.
const DefaultDebounce = 100 * time.Millisecond

// byLegacyKey maps flat-store keys to collection names.
var byLegacyKey = func() map[string]string {
	m := make(map[string]string)
	for _, c := range types.Collections() {
		m[c.LegacyKey] = c.Name
	}
	return m
}()

// CollectionForKey returns the cached collection stored under a flat key.
func CollectionForKey(key string) (string, bool) {
	name, ok := byLegacyKey[key]
	if !ok || !Cacheable(name) {
		return "", false
	}
	return name, true
}

// OnReload sets a function called with the collection names reloaded
// after a file change.
func (c *Cache) OnReload(fn func(names []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = fn
}

func (c *Cache) reloadHook() func([]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onReload
}

// Watch reloads collections whose flat-store file changes on disk, as
// happens when another process writes the fallback store. It blocks until
// ctx is done. Rapid writes to one file are batched.
func (c *Cache) Watch(ctx context.Context, debounce time.Duration) error {
	flat := c.store.Flat()
	if flat == nil {
		return fmt.Errorf("store has no flat directory to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(flat.Dir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", flat.Dir(), err)
	}
	c.logger.Printf("watching %s", flat.Dir())

	queue := make(map[string]time.Time)

	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			key, ok := flat.KeyForPath(event.Name)
			if !ok {
				continue
			}
			name, ok := CollectionForKey(key)
			if !ok {
				continue
			}
			queue[name] = time.Now()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			now := time.Now()
			var due []string
			for name, at := range queue {
				if now.Sub(at) < debounce {
					continue
				}
				due = append(due, name)
				delete(queue, name)
			}
			if len(due) == 0 {
				continue
			}
			if err := c.RefreshCollections(ctx, due...); err != nil {
				c.logger.Printf("Warning: reload after file change failed: %v", err)
				continue
			}
			if fn := c.reloadHook(); fn != nil {
				fn(due)
			}
		}
	}
}
