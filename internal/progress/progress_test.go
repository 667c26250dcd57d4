package progress

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/oplog"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

// setupTestEngine builds an engine over a fresh store.
func setupTestEngine(t *testing.T) (*Engine, *storage.Store) {
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
	s, err := storage.New(storage.Config{DB: d, Flat: flat, Log: oplog.New(d), Logger: quiet})
	if err != nil {
		t.Fatalf("storage.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, quiet), s
}

func TestAddXP_RollOver(t *testing.T) {
	e, s := setupTestEngine(t)
	ctx := context.Background()

	res, err := e.AddXP(ctx, 250)
	if err != nil {
		t.Fatalf("AddXP() failed: %v", err)
	}
	s.Wait()

	if diff := cmp.Diff([]int{2, 3}, res.LevelUps); diff != "" {
		t.Errorf("LevelUps mismatch (-want +got):\n%s", diff)
	}
	if res.Profile.Level != 3 || res.Profile.XP != 50 {
		t.Errorf("profile = level %d xp %d, want level 3 xp 50", res.Profile.Level, res.Profile.XP)
	}

	stored, err := s.GetPlayerProfile(ctx)
	if err != nil {
		t.Fatalf("GetPlayerProfile() failed: %v", err)
	}
	if diff := cmp.Diff(res.Profile, stored); diff != "" {
		t.Errorf("stored profile mismatch (-want +got):\n%s", diff)
	}
}

func TestAddXP_SkillsAndUnknownTags(t *testing.T) {
	e, s := setupTestEngine(t)
	ctx := context.Background()

	res, err := e.AddXP(ctx, 60, "agility", "agility", "juggling", "")
	if err != nil {
		t.Fatalf("AddXP() failed: %v", err)
	}
	s.Wait()

	want := []SkillLevelUp{{Skill: "agility", Level: 2}}
	if diff := cmp.Diff(want, res.SkillLevelUps); diff != "" {
		t.Errorf("SkillLevelUps mismatch (-want +got):\n%s", diff)
	}
	if got := res.Profile.Skills["agility"]; got != (types.SkillProgress{Level: 2, XP: 10}) {
		t.Errorf("agility = %+v, want level 2 xp 10", got)
	}
	if _, ok := res.Profile.Skills["juggling"]; ok {
		t.Error("unknown skill was added to the profile")
	}
	if len(res.LevelUps) != 0 {
		t.Errorf("LevelUps = %v, want none", res.LevelUps)
	}
}

func TestAddXP_NotificationOrder(t *testing.T) {
	e, s := setupTestEngine(t)
	ctx := context.Background()

	// 150 XP: level 1 -> 2, strength 1 -> 2 -> 3.
	if _, err := e.AddXP(ctx, 150, "strength"); err != nil {
		t.Fatalf("AddXP() failed: %v", err)
	}
	s.Wait()

	list, err := s.GetNotifications(ctx)
	if err != nil {
		t.Fatalf("GetNotifications() failed: %v", err)
	}
	type shown struct {
		Type  string
		Skill string
		Level int
		Sound string
	}
	var got []shown
	for _, n := range list {
		got = append(got, shown{n.Type, n.Skill, n.Level, n.Sound})
	}
	want := []shown{
		{types.NotificationLevelUp, "", 2, types.SoundSuccess},
		{types.NotificationSkillLevelUp, "strength", 2, types.SoundComputerProcessing},
		{types.NotificationSkillLevelUp, "strength", 3, types.SoundComputerProcessing},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notification order mismatch (-want +got):\n%s", diff)
	}
}

func TestAddXP_Negative(t *testing.T) {
	e, _ := setupTestEngine(t)
	if _, err := e.AddXP(context.Background(), -5); !errors.Is(err, storage.ErrNegativeAmount) {
		t.Errorf("AddXP(-5) error = %v, want ErrNegativeAmount", err)
	}
}

func TestGate_Evaluate(t *testing.T) {
	profile := &types.PlayerProfile{Level: 3, Gold: 50}
	completed := []types.ID{"1700000000000", "abc"}

	tests := []struct {
		name    string
		gate    Gate
		allowed bool
		reasons []string
	}{
		{
			name:    "no flags",
			gate:    Gate{RequiredGold: 10},
			reasons: []string{ReasonNoRequirements},
		},
		{
			name:    "gold ok",
			gate:    Gate{RequiresGold: true, RequiredGold: 50},
			allowed: true,
		},
		{
			name:    "gold ok level short",
			gate:    Gate{RequiresGold: true, RequiredGold: 40, RequiresLevel: true, RequiredLevel: 5},
			reasons: []string{"level 5 required (you are level 3)"},
		},
		{
			name:    "gold and level ok",
			gate:    Gate{RequiresGold: true, RequiredGold: 40, RequiresLevel: true, RequiredLevel: 3},
			allowed: true,
		},
		{
			name:    "tasks by canonical id",
			gate:    Gate{RequiresTasks: true, RequiredTasks: []types.ID{"1700000000000", "abc"}},
			allowed: true,
		},
		{
			name:    "tasks missing",
			gate:    Gate{RequiresTasks: true, RequiredTasks: []types.ID{"abc", "xyz"}},
			reasons: []string{"pending tasks: ID: xyz"},
		},
		{
			name:    "lenient empty task list",
			gate:    Gate{RequiresTasks: true},
			allowed: true,
		},
		{
			name:    "strict undefined thresholds",
			gate:    Gate{RequiresGold: true, RequiresLevel: true, RequiresTasks: true, Strict: true},
			reasons: []string{"price not defined", "required level not defined", "required tasks not defined"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.gate.Evaluate(profile, completed)
			if res.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (reasons %v)", res.Allowed, tt.allowed, res.Reasons)
			}
			if diff := cmp.Diff(tt.reasons, res.Reasons); diff != "" {
				t.Errorf("Reasons mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestItemGate_LegacyPurchaseType(t *testing.T) {
	item := types.ShopItem{
		ID:            "i1",
		Price:         30,
		RequiredLevel: 10,
		RequiresLevel: types.Bool(true),
		PurchaseType:  types.PurchaseTypeGold,
	}
	g := ItemGate(item)
	if !g.RequiresGold || g.RequiresLevel || g.RequiresTasks {
		t.Errorf("ItemGate() flags = %v %v %v, want gold only", g.RequiresGold, g.RequiresLevel, g.RequiresTasks)
	}
	if res := g.Evaluate(&types.PlayerProfile{Level: 1, Gold: 30}, nil); !res.Allowed {
		t.Errorf("Evaluate() = %+v, want allowed", res)
	}
}

func TestCheckAndAwardTitles(t *testing.T) {
	e, s := setupTestEngine(t)
	ctx := context.Background()

	titles := []types.Title{
		{ID: "novice", Name: "Novice", RequiresLevel: true, RequiredLevel: 2},
		{ID: "rich", Name: "Rich", RequiresGold: true, RequiredGold: 1000},
		{ID: "free", Name: "Free"},
		{ID: "7", Name: "Diligent", RequiresTasks: true, RequiredTasks: []types.ID{"42"}},
	}
	if err := s.SaveTitles(ctx, titles); err != nil {
		t.Fatalf("SaveTitles() failed: %v", err)
	}

	got, err := e.CheckAndAwardTitles(ctx)
	if err != nil {
		t.Fatalf("CheckAndAwardTitles() failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("awarded %v at level 1, want none", got)
	}

	if _, err := e.AddXP(ctx, 100); err != nil {
		t.Fatalf("AddXP() failed: %v", err)
	}
	if _, err := s.AddCompletedTask(ctx, 42); err != nil {
		t.Fatalf("AddCompletedTask() failed: %v", err)
	}
	s.Wait()

	earned, err := s.GetEarnedTitles(ctx)
	if err != nil {
		t.Fatalf("GetEarnedTitles() failed: %v", err)
	}
	want := map[types.ID]bool{"novice": true, "7": true}
	if len(earned) != len(want) {
		t.Fatalf("earned = %v, want %v", earned, want)
	}
	for _, id := range earned {
		if !want[id] {
			t.Errorf("unexpected earned title %q", id)
		}
	}

	// Already earned titles are skipped.
	again, err := e.CheckAndAwardTitles(ctx)
	if err != nil {
		t.Fatalf("CheckAndAwardTitles() failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second check awarded %v, want none", again)
	}

	list, err := s.GetNotifications(ctx)
	if err != nil {
		t.Fatalf("GetNotifications() failed: %v", err)
	}
	var titleNotes int
	for _, n := range list {
		if n.Type == types.NotificationTitleEarned {
			titleNotes++
			if n.Sound != types.SoundSuccess || n.TitleName == "" {
				t.Errorf("title notification = %+v", n)
			}
		}
	}
	if titleNotes != 2 {
		t.Errorf("got %d title notifications, want 2", titleNotes)
	}
}

func TestGoldGainAwardsTitleInBackground(t *testing.T) {
	e, s := setupTestEngine(t)
	ctx := context.Background()

	var notified []types.Title
	s.OnTitlesAwarded(func(ts []types.Title) { notified = append(notified, ts...) })
	if err := s.SaveTitles(ctx, []types.Title{{ID: "1", Name: "Saver", RequiresGold: true, RequiredGold: 100}}); err != nil {
		t.Fatalf("SaveTitles() failed: %v", err)
	}
	if _, err := s.AddGold(ctx, 100); err != nil {
		t.Fatalf("AddGold() failed: %v", err)
	}
	s.Wait()

	ok, err := s.HasEarnedTitle(ctx, "1")
	if err != nil {
		t.Fatalf("HasEarnedTitle() failed: %v", err)
	}
	if !ok {
		t.Error("title not awarded after gold gain")
	}
	if len(notified) != 1 {
		t.Errorf("OnTitlesAwarded got %v, want one title", notified)
	}

	if err := e.SelectTitle(ctx, "1"); err != nil {
		t.Fatalf("SelectTitle() failed: %v", err)
	}
	if err := e.SelectTitle(ctx, "nope"); !errors.Is(err, ErrGateNotSatisfied) {
		t.Errorf("SelectTitle(unearned) error = %v, want ErrGateNotSatisfied", err)
	}
}

func TestPurchase(t *testing.T) {
	e, s := setupTestEngine(t)
	ctx := context.Background()

	item := types.ShopItem{
		ID:            "potion",
		Title:         "Potion",
		Price:         40,
		RequiredLevel: 2,
		RequiresGold:  types.Bool(true),
		RequiresLevel: types.Bool(true),
	}
	if err := s.SaveShopItems(ctx, []types.ShopItem{item}); err != nil {
		t.Fatalf("SaveShopItems() failed: %v", err)
	}
	if _, err := s.SetGold(ctx, 50); err != nil {
		t.Fatalf("SetGold() failed: %v", err)
	}

	gate, err := e.CanPurchase(ctx, item)
	if err != nil {
		t.Fatalf("CanPurchase() failed: %v", err)
	}
	if gate.Allowed {
		t.Fatal("CanPurchase() allowed with insufficient level")
	}
	if _, err := e.Purchase(ctx, "potion"); !errors.Is(err, ErrPurchaseDenied) {
		t.Fatalf("Purchase() error = %v, want ErrPurchaseDenied", err)
	}

	if _, err := e.AddXP(ctx, 100); err != nil {
		t.Fatalf("AddXP() failed: %v", err)
	}
	rec, err := e.Purchase(ctx, "potion")
	if err != nil {
		t.Fatalf("Purchase() failed: %v", err)
	}
	s.Wait()
	if rec.ItemID != "potion" || rec.Price != 40 || rec.ID == "" {
		t.Errorf("record = %+v", rec)
	}

	p, err := s.GetPlayerProfile(ctx)
	if err != nil {
		t.Fatalf("GetPlayerProfile() failed: %v", err)
	}
	if p.Gold != 10 {
		t.Errorf("gold = %d, want 10", p.Gold)
	}
	bought, err := s.IsItemPurchased(ctx, "potion")
	if err != nil || !bought {
		t.Errorf("IsItemPurchased() = %v, %v, want true", bought, err)
	}
	history, err := s.GetPurchaseHistory(ctx)
	if err != nil {
		t.Fatalf("GetPurchaseHistory() failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history has %d entries, want 1", len(history))
	}

	// Second purchase: gold is now short.
	if _, err := e.Purchase(ctx, "potion"); !errors.Is(err, ErrPurchaseDenied) {
		t.Errorf("Purchase() error = %v, want ErrPurchaseDenied", err)
	}
	if _, err := e.Purchase(ctx, "missing"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Purchase(missing) error = %v, want ErrItemNotFound", err)
	}
}

func TestCompleteTask(t *testing.T) {
	e, s := setupTestEngine(t)
	ctx := context.Background()

	tasks := []types.Task{
		{ID: "1700000000000", Title: "Run", Kind: types.TaskTimed, XPReward: 120, LegacySkill: "vitality", Duration: 60, StartedAt: types.NewTimestamp(time.Now())},
	}
	if err := s.SaveTasks(ctx, tasks); err != nil {
		t.Fatalf("SaveTasks() failed: %v", err)
	}

	c, err := e.CompleteTask(ctx, 1700000000000)
	if err != nil {
		t.Fatalf("CompleteTask() failed: %v", err)
	}
	s.Wait()
	if !c.FirstCompletion {
		t.Error("FirstCompletion = false, want true")
	}
	if diff := cmp.Diff([]int{2}, c.XP.LevelUps); diff != "" {
		t.Errorf("LevelUps mismatch (-want +got):\n%s", diff)
	}
	if got := c.XP.Profile.Skills["vitality"]; got.Level != 2 {
		t.Errorf("vitality level = %d, want 2", got.Level)
	}

	stored, ok, err := s.GetTask(ctx, "1700000000000")
	if err != nil || !ok {
		t.Fatalf("GetTask() = %v, %v", ok, err)
	}
	if stored.StartedAt != nil {
		t.Error("countdown not cleared")
	}

	again, err := e.CompleteTask(ctx, "1700000000000")
	if err != nil {
		t.Fatalf("CompleteTask() failed: %v", err)
	}
	s.Wait()
	if again.FirstCompletion {
		t.Error("second completion reported as first")
	}

	if _, err := e.CompleteTask(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("CompleteTask(unknown) error = %v, want ErrNotFound", err)
	}
}
