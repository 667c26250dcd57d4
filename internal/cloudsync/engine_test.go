package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/events"
	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/oplog"
	"github.com/leveling/leveling/internal/remote"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

type device struct {
	store  *storage.Store
	log    *oplog.Log
	engine *Engine
}

// setupTestDevice builds a store and engine syncing to r as userID.
func setupTestDevice(t *testing.T, r remote.Remote, userID string) *device {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(filepath.Join(dir, "leveling.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	flat, err := flatstore.Open(filepath.Join(dir, "flat"))
	if err != nil {
		t.Fatalf("flatstore.Open() failed: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	l := oplog.New(d)
	s, err := storage.New(storage.Config{DB: d, Flat: flat, Log: l, Logger: quiet})
	if err != nil {
		t.Fatalf("storage.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	e := New(Config{Store: s, Log: l, Remote: r, UserID: userID, Logger: quiet})
	return &device{store: s, log: l, engine: e}
}

func gold(t *testing.T, s *storage.Store) int {
	t.Helper()
	p, err := s.GetPlayerProfile(context.Background())
	if err != nil {
		t.Fatalf("GetPlayerProfile() failed: %v", err)
	}
	return p.Gold
}

func TestSync_NotConfigured(t *testing.T) {
	dev := setupTestDevice(t, nil, "")

	res := dev.engine.Sync(context.Background())
	if !res.Skipped || res.Reason != ReasonNotConfigured {
		t.Errorf("Sync() = %+v, want skipped %q", res, ReasonNotConfigured)
	}
	if !errors.Is(res.Err, remote.ErrNotConfigured) {
		t.Errorf("Err = %v, want ErrNotConfigured", res.Err)
	}
	if _, err := dev.engine.Restore(context.Background()); !errors.Is(err, remote.ErrNotConfigured) {
		t.Errorf("Restore() error = %v, want ErrNotConfigured", err)
	}
}

func TestSync_FirstPush(t *testing.T) {
	mem := remote.NewMemory()
	dev := setupTestDevice(t, mem, "u1")
	ctx := context.Background()

	if _, err := dev.store.SetGold(ctx, 70); err != nil {
		t.Fatalf("SetGold() failed: %v", err)
	}

	res := dev.engine.Sync(ctx)
	if !res.Success {
		t.Fatalf("Sync() failed: %+v", res)
	}
	if res.Pull.Action != ActionNone {
		t.Errorf("pull action = %q, want %q", res.Pull.Action, ActionNone)
	}
	if res.Push.Pushed != 1 {
		t.Errorf("pushed %d mutations, want 1", res.Push.Pushed)
	}

	rec, err := mem.Fetch(ctx, "u1")
	if err != nil {
		t.Fatalf("remote Fetch() failed: %v", err)
	}
	for _, m := range rec.Mutations {
		if m.Synced {
			t.Errorf("mutation %s pushed as synced, other devices would skip it", m.ID)
		}
	}
	if rec.LastSave != nil {
		t.Errorf("first push LastSave = %v, want nil", rec.LastSave)
	}

	unsynced, synced, err := dev.log.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if unsynced != 0 || synced != 0 {
		t.Errorf("outbox = %d unsynced %d synced, want empty after prune", unsynced, synced)
	}

	md, err := dev.store.SyncMetadata(ctx)
	if err != nil {
		t.Fatalf("SyncMetadata() failed: %v", err)
	}
	if md.LastLocalSaveAt == nil || !md.LastLocalSaveAt.Equal(rec.LastModified) {
		t.Errorf("last save = %v, want %v", md.LastLocalSaveAt, rec.LastModified)
	}
}

func TestSync_TwoDevices(t *testing.T) {
	mem := remote.NewMemory()
	a := setupTestDevice(t, mem, "u1")
	b := setupTestDevice(t, mem, "u1")
	ctx := context.Background()

	if _, err := a.store.SetGold(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if res := a.engine.Sync(ctx); !res.Success {
		t.Fatalf("A Sync() failed: %+v", res)
	}

	// B has never written anything, so the cloud save wins.
	res := b.engine.Sync(ctx)
	if !res.Success || res.Pull.Action != ActionCloud {
		t.Fatalf("B Sync() = %+v, want pull action cloud", res)
	}
	if got := gold(t, b.store); got != 10 {
		t.Errorf("B gold = %d, want 10", got)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := b.store.SetGold(ctx, 25); err != nil {
		t.Fatal(err)
	}
	if res := b.engine.Sync(ctx); !res.Success || res.Pull.Action != ActionLocal {
		t.Fatalf("B Sync() = %+v, want pull action local", res)
	}

	// A's last change predates B's push.
	res = a.engine.Sync(ctx)
	if !res.Success || res.Pull.Action != ActionCloud {
		t.Fatalf("A Sync() = %+v, want pull action cloud", res)
	}
	if got := gold(t, a.store); got != 25 {
		t.Errorf("A gold = %d, want 25", got)
	}
}

func TestSync_ReplaysMutationsAcrossDevices(t *testing.T) {
	mem := remote.NewMemory()
	a := setupTestDevice(t, mem, "u1")
	b := setupTestDevice(t, mem, "u1")
	ctx := context.Background()

	if _, err := a.store.SetGold(ctx, 15); err != nil {
		t.Fatal(err)
	}
	pending, err := a.log.ListUnsynced(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("A outbox = %v, %v; want one entry", pending, err)
	}
	origin := pending[0].ID
	if res := a.engine.Push(ctx); !res.Success || res.Pushed != 1 {
		t.Fatalf("A Push() = %+v, want 1 pushed", res)
	}

	res := b.engine.Pull(ctx)
	if !res.Success || res.Imported != 1 {
		t.Fatalf("B Pull() = %+v, want 1 imported", res)
	}
	got, err := b.log.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("B ListUnsynced() failed: %v", err)
	}
	var found bool
	for _, m := range got {
		if m.ID == origin {
			found = true
		}
	}
	if !found {
		t.Errorf("B outbox %v lacks A's mutation %s", got, origin)
	}

	// B forwards A's entry; A has pruned it and must not take it back.
	if res := b.engine.Push(ctx); !res.Success {
		t.Fatalf("B Push() = %+v", res)
	}
	if res := a.engine.Pull(ctx); !res.Success || res.Imported != 0 {
		t.Errorf("A Pull() = %+v, want 0 imported", res)
	}
	unsynced, _, err := a.log.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if unsynced != 0 {
		t.Errorf("A outbox has %d unsynced entries after its own push came back", unsynced)
	}
}

func TestPull_KeepsNewerLocal(t *testing.T) {
	mem := remote.NewMemory()
	dev := setupTestDevice(t, mem, "u1")
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	snap := types.NewSnapshot()
	snap.Data["player_data"] = json.RawMessage(`{"level":9,"xp":0,"gold":999,"skills":{}}`)
	snap.UpdatedAt = &old
	mem.Put(&remote.SaveRecord{UserID: "u1", SaveData: snap, LastModified: old})

	if _, err := dev.store.SetGold(ctx, 3); err != nil {
		t.Fatal(err)
	}
	res := dev.engine.Pull(ctx)
	if !res.Success || res.Action != ActionLocal {
		t.Fatalf("Pull() = %+v, want action local", res)
	}
	if got := gold(t, dev.store); got != 3 {
		t.Errorf("gold = %d, want 3", got)
	}
}

func TestPull_ImportsRemoteMutationsOnce(t *testing.T) {
	mem := remote.NewMemory()
	dev := setupTestDevice(t, mem, "u1")
	ctx := context.Background()

	now := time.Now().UTC()
	mem.Put(&remote.SaveRecord{
		UserID:       "u1",
		SaveData:     types.NewSnapshot(),
		LastModified: now,
		Mutations: []types.Mutation{
			{ID: "m1", Type: "tasks", Payload: json.RawMessage(`[]`), Timestamp: now},
			{ID: "m2", Type: "tasks", Payload: json.RawMessage(`[]`), Timestamp: now, Synced: true},
		},
	})
	// An empty snapshot counts as no save.
	if res := dev.engine.Pull(ctx); res.Action != ActionNone {
		t.Fatalf("Pull() = %+v, want action none", res)
	}

	snap := types.NewSnapshot()
	snap.Data["blocked"] = json.RawMessage(`false`)
	rec, _ := mem.Fetch(ctx, "u1")
	rec.SaveData = snap
	mem.Put(rec)

	first := dev.engine.Pull(ctx)
	if !first.Success || first.Imported != 1 {
		t.Fatalf("first Pull() = %+v, want 1 imported", first)
	}
	second := dev.engine.Pull(ctx)
	if !second.Success || second.Imported != 0 {
		t.Errorf("second Pull() = %+v, want 0 imported", second)
	}
}

// blockingRemote holds Fetch until released.
type blockingRemote struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemote) Fetch(ctx context.Context, userID string) (*remote.SaveRecord, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Memory.Fetch(ctx, userID)
}

func TestSync_Reentrancy(t *testing.T) {
	br := &blockingRemote{
		Memory:  remote.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	dev := setupTestDevice(t, br, "u1")
	ctx := context.Background()

	done := make(chan Result)
	go func() { done <- dev.engine.Sync(ctx) }()
	<-br.entered

	calls := br.Calls()
	second := dev.engine.Sync(ctx)
	if !second.Skipped || !errors.Is(second.Err, ErrSyncInProgress) {
		t.Errorf("concurrent Sync() = %+v, want ErrSyncInProgress", second)
	}
	if got := br.Calls(); got != calls {
		t.Errorf("concurrent Sync() made %d remote calls", got-calls)
	}
	if _, err := dev.engine.Overwrite(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Overwrite() error = %v, want ErrSyncInProgress", err)
	}

	close(br.release)
	if first := <-done; !first.Success {
		t.Errorf("first Sync() = %+v, want success", first)
	}
	if dev.engine.Syncing() {
		t.Error("guard not released")
	}
}

func TestRestoreAndOverwrite(t *testing.T) {
	mem := remote.NewMemory()
	a := setupTestDevice(t, mem, "u1")
	b := setupTestDevice(t, mem, "u1")
	ctx := context.Background()

	if _, err := b.engine.Restore(ctx); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("Restore() error = %v, want ErrNotFound", err)
	}

	if _, err := a.store.SetGold(ctx, 40); err != nil {
		t.Fatal(err)
	}
	stored, err := a.engine.Overwrite(ctx)
	if err != nil {
		t.Fatalf("Overwrite() failed: %v", err)
	}

	// B's newer local change is discarded by an explicit restore.
	if _, err := b.store.SetGold(ctx, 1); err != nil {
		t.Fatal(err)
	}
	rec, err := b.engine.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if !rec.LastModified.Equal(stored.LastModified) {
		t.Errorf("restored record from %v, want %v", rec.LastModified, stored.LastModified)
	}
	if got := gold(t, b.store); got != 40 {
		t.Errorf("B gold = %d, want 40", got)
	}
	md, err := b.store.SyncMetadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if md.LastLocalRestoreAt == nil || !md.LastLocalRestoreAt.Equal(stored.LastModified) {
		t.Errorf("last restore = %v, want %v", md.LastLocalRestoreAt, stored.LastModified)
	}
}

func TestRunner_StartResumeStop(t *testing.T) {
	mem := remote.NewMemory()
	dev := setupTestDevice(t, mem, "u1")
	bus := events.NewBus()

	cycles := make(chan struct{}, 4)
	bus.Subscribe(events.SyncCompleted, func(e events.Event) {
		if _, ok := e.Data.(Result); !ok {
			t.Errorf("event data = %T, want Result", e.Data)
		}
		cycles <- struct{}{}
	})

	r := NewRunner(dev.engine, RunnerConfig{Interval: time.Hour, Bus: bus})
	r.Start(context.Background())
	defer r.Stop()

	wait := func(what string) {
		t.Helper()
		select {
		case <-cycles:
		case <-time.After(5 * time.Second):
			t.Fatalf("no sync after %s", what)
		}
	}
	wait("start")
	r.TriggerResume()
	wait("resume")

	r.Stop()
	r.Stop()
	if _, err := mem.FetchMeta(context.Background(), "u1"); err != nil {
		t.Errorf("remote has no save after runner cycles: %v", err)
	}
}

// slowRemote delays every Fetch and counts them.
type slowRemote struct {
	*remote.Memory
	delay   time.Duration
	fetches atomic.Int32
	entered chan struct{}
}

func (s *slowRemote) Fetch(ctx context.Context, userID string) (*remote.SaveRecord, error) {
	s.fetches.Add(1)
	select {
	case s.entered <- struct{}{}:
	default:
	}
	time.Sleep(s.delay)
	return s.Memory.Fetch(ctx, userID)
}

func TestRunner_DropsTriggersDuringCycle(t *testing.T) {
	sr := &slowRemote{
		Memory:  remote.NewMemory(),
		delay:   300 * time.Millisecond,
		entered: make(chan struct{}, 1),
	}
	dev := setupTestDevice(t, sr, "u1")
	bus := events.NewBus()

	cycles := make(chan struct{}, 4)
	bus.Subscribe(events.SyncCompleted, func(events.Event) { cycles <- struct{}{} })

	r := NewRunner(dev.engine, RunnerConfig{Interval: time.Hour, Bus: bus})
	r.Start(context.Background())
	defer r.Stop()

	select {
	case <-sr.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("initial cycle never fetched")
	}
	r.TriggerResume()
	r.TriggerResume()

	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("initial cycle never completed")
	}
	select {
	case <-cycles:
		t.Error("a trigger made during the initial cycle ran another cycle")
	case <-time.After(2 * sr.delay):
	}
	if got := sr.fetches.Load(); got != 1 {
		t.Errorf("remote fetched %d times, want 1", got)
	}

	// A trigger after the cycle still runs.
	r.TriggerResume()
	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("resume after the cycle did not sync")
	}
}
