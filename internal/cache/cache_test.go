package cache

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

// setupTestCache builds a flat-only store and a cache over it.
func setupTestCache(t *testing.T) (*Cache, *storage.Store, *flatstore.Store) {
	t.Helper()
	flat, err := flatstore.Open(filepath.Join(t.TempDir(), "flat"))
	if err != nil {
		t.Fatalf("flatstore.Open() failed: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	s, err := storage.New(storage.Config{Flat: flat, Logger: quiet})
	if err != nil {
		t.Fatalf("storage.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, quiet), s, flat
}

func TestCache_Defaults(t *testing.T) {
	c, _, _ := setupTestCache(t)

	if got := c.PlayerProfile(); got.Level != 1 || got.Gold != 0 {
		t.Errorf("PlayerProfile() = %+v, want default", got)
	}
	if got := c.Tasks(); got == nil || len(got) != 0 {
		t.Errorf("Tasks() = %#v, want empty slice", got)
	}
	if got := c.ShopCategories(); len(got) == 0 {
		t.Error("ShopCategories() empty before load, want built-in categories")
	}
	if c.Loaded(types.CollTasks) {
		t.Error("Loaded(tasks) before Refresh")
	}
}

func TestCache_RefreshAndWrites(t *testing.T) {
	c, s, _ := setupTestCache(t)
	ctx := context.Background()

	tasks := []types.Task{{ID: "1", Title: "Run", Kind: types.TaskCommon, XPReward: 20}}
	if err := s.SaveTasks(ctx, tasks); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCompletedTask(ctx, 1); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	for _, coll := range types.Collections() {
		if Cacheable(coll.Name) && !c.Loaded(coll.Name) {
			t.Errorf("%s not loaded after Refresh", coll.Name)
		}
	}
	if diff := cmp.Diff(tasks, c.Tasks()); diff != "" {
		t.Errorf("Tasks() mismatch (-want +got):\n%s", diff)
	}
	if !c.IsTaskCompleted("1") {
		t.Error("IsTaskCompleted(\"1\") = false")
	}

	// Getters hand out copies.
	got := c.Tasks()
	got[0].Title = "changed"
	if c.Tasks()[0].Title != "Run" {
		t.Error("mutating a returned slice changed the cache")
	}

	if _, err := c.AddGold(ctx, 30); err != nil {
		t.Fatalf("AddGold() failed: %v", err)
	}
	if got := c.PlayerProfile().Gold; got != 30 {
		t.Errorf("cached gold = %d, want 30", got)
	}
	ok, err := c.SpendGold(ctx, 50)
	if err != nil || ok {
		t.Errorf("SpendGold(50) = %v, %v, want false", ok, err)
	}
	if err := c.SetBlocked(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !c.Blocked() {
		t.Error("Blocked() = false after SetBlocked(true)")
	}
	s.Wait()
}

func TestCache_RefreshCollectionsIgnoresUnknown(t *testing.T) {
	c, _, _ := setupTestCache(t)
	if err := c.RefreshCollections(context.Background(), "nope", types.CollTitles); err != nil {
		t.Fatalf("RefreshCollections() failed: %v", err)
	}
	if !c.Loaded(types.CollTitles) || c.Loaded(types.CollTasks) {
		t.Error("RefreshCollections() loaded the wrong collections")
	}
}

func TestCollectionForKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
		ok   bool
	}{
		{flatstore.KeyPlayerData, types.CollPlayerProfile, true},
		{flatstore.KeyCompletedTasks, types.CollCompletedTasks, true},
		{flatstore.KeyTimeTasks, "", false},
		{flatstore.KeyLastSave, "", false},
	}
	for _, tt := range tests {
		got, ok := CollectionForKey(tt.key)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CollectionForKey(%q) = %q, %v, want %q, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCache_WatchReloadsChangedFile(t *testing.T) {
	c, _, flat := setupTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())

	reloaded := make(chan []string, 16)
	c.OnReload(func(names []string) {
		select {
		case reloaded <- names:
		default:
		}
	})

	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, 10*time.Millisecond) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() failed: %v", err)
		}
	}()

	// Another process rewrites the profile. Keep writing until the watcher,
	// which starts asynchronously, has seen it.
	profile := []byte(`{"level":4,"xp":5,"gold":77,"skills":{}}`)
	deadline := time.Now().Add(5 * time.Second)
	for c.PlayerProfile().Gold != 77 {
		if time.Now().After(deadline) {
			t.Fatal("cache never picked up the external write")
		}
		if err := flat.Set(flatstore.KeyPlayerData, profile); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := c.PlayerProfile().Level; got != 4 {
		t.Errorf("cached level = %d, want 4", got)
	}
	select {
	case names := <-reloaded:
		if len(names) != 1 || names[0] != types.CollPlayerProfile {
			t.Errorf("OnReload names = %v, want [%s]", names, types.CollPlayerProfile)
		}
	case <-time.After(5 * time.Second):
		t.Error("OnReload not called")
	}
}
