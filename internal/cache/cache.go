// Package cache keeps an in-memory copy of the stored collections for
// callers that read far more often than they write.
//
// The cache is an explicit object, refreshed after its own writes and, when
// Watch runs, after the flat store changes on disk.
package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

// Cache holds typed copies of the store's collections. Getters never touch
// the store; a collection that was never loaded reads as its default.
type Cache struct {
	store  *storage.Store
	logger *log.Logger

	mu             sync.RWMutex
	loaded         map[string]bool
	profile        *types.PlayerProfile
	tasks          []types.Task
	notifications  []types.Notification
	shopItems      []types.ShopItem
	shopCategories []types.ShopCategory
	purchased      []types.ID
	history        []types.PurchaseRecord
	completed      []types.ID
	titles         []types.Title
	earned         []types.ID
	selected       types.ID
	blocked        bool

	onReload func(names []string)
}

// loader reads one collection from the store into the cache.
type loader func(ctx context.Context, c *Cache) error

var loaders = map[string]loader{
	types.CollPlayerProfile: func(ctx context.Context, c *Cache) error {
		p, err := c.store.GetPlayerProfile(ctx)
		return set(c, types.CollPlayerProfile, p, err, &c.profile)
	},
	types.CollTasks: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetTasks(ctx)
		return set(c, types.CollTasks, v, err, &c.tasks)
	},
	types.CollNotifications: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetNotifications(ctx)
		return set(c, types.CollNotifications, v, err, &c.notifications)
	},
	types.CollShopItems: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetShopItems(ctx)
		return set(c, types.CollShopItems, v, err, &c.shopItems)
	},
	types.CollShopCategories: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetShopCategories(ctx)
		return set(c, types.CollShopCategories, v, err, &c.shopCategories)
	},
	types.CollPurchasedItems: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetPurchasedItems(ctx)
		return set(c, types.CollPurchasedItems, v, err, &c.purchased)
	},
	types.CollPurchaseHistory: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetPurchaseHistory(ctx)
		return set(c, types.CollPurchaseHistory, v, err, &c.history)
	},
	types.CollCompletedTasks: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetCompletedTasks(ctx)
		return set(c, types.CollCompletedTasks, v, err, &c.completed)
	},
	types.CollTitles: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetTitles(ctx)
		return set(c, types.CollTitles, v, err, &c.titles)
	},
	types.CollEarnedTitles: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetEarnedTitles(ctx)
		return set(c, types.CollEarnedTitles, v, err, &c.earned)
	},
	types.CollSelectedTitle: func(ctx context.Context, c *Cache) error {
		v, err := c.store.GetSelectedTitle(ctx)
		return set(c, types.CollSelectedTitle, v, err, &c.selected)
	},
	types.CollBlocked: func(ctx context.Context, c *Cache) error {
		v, err := c.store.IsBlocked(ctx)
		return set(c, types.CollBlocked, v, err, &c.blocked)
	},
}

func set[T any](c *Cache, name string, v T, err error, dst *T) error {
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", name, err)
	}
	c.mu.Lock()
	*dst = v
	c.loaded[name] = true
	c.mu.Unlock()
	return nil
}

// New creates an empty cache over store. Call Refresh to fill it.
func New(store *storage.Store, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Cache{
		store:  store,
		logger: logger,
		loaded: make(map[string]bool),
	}
}

// Cacheable reports whether the cache holds the named collection.
func Cacheable(name string) bool {
	_, ok := loaders[name]
	return ok
}

// Refresh reloads every cached collection concurrently. Collections that
// fail to load keep their previous value; the first error is returned.
func (c *Cache) Refresh(ctx context.Context) error {
	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	return c.RefreshCollections(ctx, names...)
}

// RefreshCollections reloads the named collections. Unknown names are
// ignored.
func (c *Cache) RefreshCollections(ctx context.Context, names ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		load, ok := loaders[name]
		if !ok {
			continue
		}
		g.Go(func() error { return load(ctx, c) })
	}
	return g.Wait()
}

// Loaded reports whether name has been loaded at least once.
func (c *Cache) Loaded(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded[name]
}

// PlayerProfile returns a copy of the cached profile.
func (c *Cache) PlayerProfile() *types.PlayerProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return types.DefaultPlayerProfile()
	}
	return c.profile.Clone()
}

func (c *Cache) Tasks() []types.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.tasks)
}

func (c *Cache) Notifications() []types.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.notifications)
}

func (c *Cache) ShopItems() []types.ShopItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.shopItems)
}

// ShopCategories falls back to the built-in categories until loaded.
func (c *Cache) ShopCategories() []types.ShopCategory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded[types.CollShopCategories] {
		return types.DefaultShopCategories()
	}
	return clone(c.shopCategories)
}

func (c *Cache) PurchasedItems() []types.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.purchased)
}

func (c *Cache) PurchaseHistory() []types.PurchaseRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.history)
}

func (c *Cache) CompletedTasks() []types.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.completed)
}

// IsTaskCompleted compares ids canonically.
func (c *Cache) IsTaskCompleted(id any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return containsID(c.completed, id)
}

func (c *Cache) Titles() []types.Title {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.titles)
}

func (c *Cache) EarnedTitles() []types.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.earned)
}

func (c *Cache) HasEarnedTitle(id any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return containsID(c.earned, id)
}

func (c *Cache) SelectedTitle() types.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

func (c *Cache) Blocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocked
}

// Writes go to the store first; the affected collections are reloaded
// afterwards so the cache reflects what was persisted.

func (c *Cache) AddGold(ctx context.Context, amount int) (*types.PlayerProfile, error) {
	p, err := c.store.AddGold(ctx, amount)
	if err != nil {
		return nil, err
	}
	c.after(ctx, types.CollPlayerProfile)
	return p, nil
}

func (c *Cache) SpendGold(ctx context.Context, amount int) (bool, error) {
	ok, err := c.store.SpendGold(ctx, amount)
	if err != nil {
		return false, err
	}
	c.after(ctx, types.CollPlayerProfile)
	return ok, nil
}

func (c *Cache) SaveTasks(ctx context.Context, tasks []types.Task) error {
	if err := c.store.SaveTasks(ctx, tasks); err != nil {
		return err
	}
	c.after(ctx, types.CollTasks)
	return nil
}

func (c *Cache) SaveShopItems(ctx context.Context, items []types.ShopItem) error {
	if err := c.store.SaveShopItems(ctx, items); err != nil {
		return err
	}
	c.after(ctx, types.CollShopItems)
	return nil
}

func (c *Cache) SaveTitles(ctx context.Context, titles []types.Title) error {
	if err := c.store.SaveTitles(ctx, titles); err != nil {
		return err
	}
	c.after(ctx, types.CollTitles)
	return nil
}

func (c *Cache) SetSelectedTitle(ctx context.Context, id types.ID) error {
	if err := c.store.SetSelectedTitle(ctx, id); err != nil {
		return err
	}
	c.after(ctx, types.CollSelectedTitle)
	return nil
}

func (c *Cache) SetBlocked(ctx context.Context, blocked bool) error {
	if err := c.store.SetBlocked(ctx, blocked); err != nil {
		return err
	}
	c.after(ctx, types.CollBlocked)
	return nil
}

func (c *Cache) ClearNotifications(ctx context.Context) error {
	if err := c.store.ClearNotifications(ctx); err != nil {
		return err
	}
	c.after(ctx, types.CollNotifications)
	return nil
}

// after refreshes names following a successful write. A failed reload
// leaves the stale copy in place.
func (c *Cache) after(ctx context.Context, names ...string) {
	if err := c.RefreshCollections(ctx, names...); err != nil {
		c.logger.Printf("Warning: cache refresh failed: %v", err)
	}
}

func clone[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return slices.Clone(s)
}

func containsID(ids []types.ID, id any) bool {
	want := types.CanonicalID(id)
	for _, v := range ids {
		if types.CanonicalID(v) == want {
			return true
		}
	}
	return false
}
