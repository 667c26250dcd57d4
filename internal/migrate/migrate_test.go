package migrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"

	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/types"
)

type memTarget struct {
	docs  map[string]string
	saves int
	down  bool
}

func newMemTarget() *memTarget {
	return &memTarget{docs: make(map[string]string)}
}

func (t *memTarget) Available(ctx context.Context) error {
	if t.down {
		return fmt.Errorf("ping: %w", db.ErrUnavailable)
	}
	return nil
}

func (t *memTarget) Save(ctx context.Context, c types.Collection, doc []byte) error {
	if t.down {
		return fmt.Errorf("save: %w", db.ErrUnavailable)
	}
	t.saves++
	t.docs[c.Name] = string(doc)
	return nil
}

func setupTestMigrator(t *testing.T, target *memTarget) (*Migrator, *flatstore.Store) {
	t.Helper()
	flat, err := flatstore.Open(filepath.Join(t.TempDir(), "flat"))
	if err != nil {
		t.Fatalf("flatstore.Open() failed: %v", err)
	}
	m := New(Config{Flat: flat, Target: target, Logger: log.New(io.Discard, "", 0)})
	return m, flat
}

func seed(t *testing.T, flat *flatstore.Store, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		if err := flat.SetString(k, v); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
}

func TestMigrateOnce_CopiesAndSetsFlag(t *testing.T) {
	target := newMemTarget()
	m, flat := setupTestMigrator(t, target)
	seed(t, flat, map[string]string{
		flatstore.KeyPlayerData:     `{"level":3,"xp":10,"skills":{}}`,
		flatstore.KeyTasks:          `[{"id":1,"title":"Run"},{"title":"Read"}]`,
		flatstore.KeyCompletedTasks: `[1,"1","2"]`,
		flatstore.KeySelectedTitle:  `t1`,
		flatstore.KeyTimeTasks:      `{"5":{"startedAt":1700000000000,"duration":60}}`,
	})

	res, err := m.MigrateOnce(context.Background())
	if err != nil {
		t.Fatalf("MigrateOnce() failed: %v", err)
	}
	if res.AlreadyDone {
		t.Fatal("AlreadyDone = true on first run")
	}
	if len(res.Migrated) != 5 {
		t.Errorf("Migrated = %v, want 5 collections", res.Migrated)
	}
	if len(res.Skipped) != 0 {
		t.Errorf("Skipped = %v, want none", res.Skipped)
	}

	if got := gjson.Get(target.docs[types.CollPlayerProfile], "gold"); !got.Exists() || got.Int() != 0 {
		t.Errorf("profile gold = %v, want 0", got)
	}
	if diff := cmp.Diff(`["1","2"]`, target.docs[types.CollCompletedTasks]); diff != "" {
		t.Errorf("completed tasks mismatch (-want +got):\n%s", diff)
	}
	if target.docs[types.CollSelectedTitle] != `"t1"` {
		t.Errorf("selected title = %s, want \"t1\"", target.docs[types.CollSelectedTitle])
	}
	if id := gjson.Get(target.docs[types.CollTasks], "1.id").String(); id == "" {
		t.Error("task without id did not receive one")
	}

	done, _ := m.Done()
	if !done {
		t.Error("migration flag not set")
	}
}

func TestMigrateOnce_Idempotent(t *testing.T) {
	target := newMemTarget()
	m, flat := setupTestMigrator(t, target)
	seed(t, flat, map[string]string{
		flatstore.KeyTitles: `[{"id":"t1","name":"Novice"}]`,
	})
	ctx := context.Background()

	if _, err := m.MigrateOnce(ctx); err != nil {
		t.Fatalf("first MigrateOnce() failed: %v", err)
	}
	first := make(map[string]string)
	for k, v := range target.docs {
		first[k] = v
	}
	saves := target.saves

	res, err := m.MigrateOnce(ctx)
	if err != nil {
		t.Fatalf("second MigrateOnce() failed: %v", err)
	}
	if !res.AlreadyDone {
		t.Error("second run should report AlreadyDone")
	}
	if target.saves != saves {
		t.Errorf("second run wrote %d documents", target.saves-saves)
	}
	if diff := cmp.Diff(first, target.docs); diff != "" {
		t.Errorf("contents changed (-first +second):\n%s", diff)
	}
}

func TestMigrateOnce_MalformedKeySkipped(t *testing.T) {
	target := newMemTarget()
	m, flat := setupTestMigrator(t, target)
	seed(t, flat, map[string]string{
		flatstore.KeyTasks:   `{not json`,
		flatstore.KeyTitles:  `{"id":"not-an-array"}`,
		flatstore.KeyBlocked: `true`,
	})

	res, err := m.MigrateOnce(context.Background())
	if err != nil {
		t.Fatalf("MigrateOnce() failed: %v", err)
	}
	if diff := cmp.Diff([]string{types.CollTasks, types.CollTitles}, res.Skipped); diff != "" {
		t.Errorf("Skipped mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(res.Err(), ErrPartialFailure) {
		t.Errorf("Err() = %v, want ErrPartialFailure", res.Err())
	}
	if target.docs[types.CollBlocked] != "true" {
		t.Errorf("blocked not migrated: %q", target.docs[types.CollBlocked])
	}
	if done, _ := m.Done(); !done {
		t.Error("flag must be set even after a partial failure")
	}
}

func TestMigrateOnce_StoreUnavailableLeavesFlag(t *testing.T) {
	target := newMemTarget()
	target.down = true
	m, flat := setupTestMigrator(t, target)
	seed(t, flat, map[string]string{flatstore.KeyTasks: `[]`})

	if _, err := m.MigrateOnce(context.Background()); !errors.Is(err, db.ErrUnavailable) {
		t.Fatalf("MigrateOnce() error = %v, want ErrUnavailable", err)
	}
	if done, _ := m.Done(); done {
		t.Error("flag set although the durable store was unavailable")
	}

	target.down = false
	res, err := m.MigrateOnce(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(res.Migrated) != 1 {
		t.Errorf("retry Migrated = %v", res.Migrated)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		coll    string
		in      string
		want    string
		wantErr bool
	}{
		{"profile keeps gold", types.CollPlayerProfile, `{"level":1,"gold":7}`, `{"level":1,"gold":7}`, false},
		{"profile must be object", types.CollPlayerProfile, `[1]`, "", true},
		{"set drops nulls", types.CollEarnedTitles, `["a",null,"a"]`, `["a"]`, false},
		{"set rejects objects", types.CollPurchasedItems, `[{"id":1}]`, "", true},
		{"map must be object", types.CollProgressiveTasks, `[]`, "", true},
		{"singleton json passes", types.CollBlocked, `false`, `false`, false},
		{"bare string only for selected title", types.CollBlocked, `yes`, "", true},
		{"list keeps last duplicate at first position", types.CollShopItems,
			`[{"id":"a","cost":1},{"id":"b","cost":2},{"id":"a","cost":3}]`,
			`[{"id":"a","cost":3},{"id":"b","cost":2}]`, false},
		{"list without duplicates passes", types.CollNotifications, `[{"id":"n1"},{"id":"n2"}]`, `[{"id":"n1"},{"id":"n2"}]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(types.MustCollection(tt.coll), []byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !bytes.Equal(got, []byte(tt.want)) {
				t.Errorf("Normalize() = %s, want %s", got, tt.want)
			}
		})
	}
}
