package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/leveling/leveling/internal/types"
)

const (
	// MaxNotifications caps the notification log.
	MaxNotifications = 100
	// MaxPurchaseHistory caps the purchase history.
	MaxPurchaseHistory = 1000
)

// ErrNegativeAmount is returned by gold operations given a negative amount.
var ErrNegativeAmount = errors.New("amount must not be negative")

// XPForNextLevel returns the XP needed to leave the given player level.
func XPForNextLevel(level int) int {
	return level * 100
}

// SkillXPForNextLevel returns the XP needed to leave the given skill level.
func SkillXPForNextLevel(level int) int {
	return level * 50
}

// Player profile

// GetPlayerProfile returns the stored profile, or the default profile on a
// fresh installation.
func (s *Store) GetPlayerProfile(ctx context.Context) (*types.PlayerProfile, error) {
	p, err := get(ctx, s, types.CollPlayerProfile, types.DefaultPlayerProfile)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = types.DefaultPlayerProfile()
	}
	p.Normalize()
	return p, nil
}

// SavePlayerProfile replaces the profile.
func (s *Store) SavePlayerProfile(ctx context.Context, p *types.PlayerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollPlayerProfile, p)
}

// UpdatePlayerProfile applies fn to the current profile and saves the result
// while holding the store lock.
func (s *Store) UpdatePlayerProfile(ctx context.Context, fn func(p *types.PlayerProfile) error) (*types.PlayerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetPlayerProfile(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := s.put(ctx, types.CollPlayerProfile, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddGold credits amount and schedules a title check when amount is
// positive.
func (s *Store) AddGold(ctx context.Context, amount int) (*types.PlayerProfile, error) {
	if amount < 0 {
		return nil, fmt.Errorf("add gold %d: %w", amount, ErrNegativeAmount)
	}
	p, err := s.UpdatePlayerProfile(ctx, func(p *types.PlayerProfile) error {
		p.Gold += amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	if amount > 0 {
		s.scheduleTitleCheck(ctx)
	}
	return p, nil
}

// SpendGold debits amount only if the player has at least that much gold.
// It reports false, leaving state untouched, otherwise.
func (s *Store) SpendGold(ctx context.Context, amount int) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("spend gold %d: %w", amount, ErrNegativeAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetPlayerProfile(ctx)
	if err != nil {
		return false, err
	}
	if p.Gold < amount {
		return false, nil
	}
	p.Gold -= amount
	if err := s.put(ctx, types.CollPlayerProfile, p); err != nil {
		return false, err
	}
	return true, nil
}

// SetGold overwrites the gold balance, clamped at zero.
func (s *Store) SetGold(ctx context.Context, amount int) (*types.PlayerProfile, error) {
	return s.UpdatePlayerProfile(ctx, func(p *types.PlayerProfile) error {
		p.Gold = max(amount, 0)
		return nil
	})
}

// Tasks

// GetTasks returns the task templates.
func (s *Store) GetTasks(ctx context.Context) ([]types.Task, error) {
	return get(ctx, s, types.CollTasks, emptySlice[types.Task])
}

// SaveTasks replaces the task templates.
func (s *Store) SaveTasks(ctx context.Context, tasks []types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollTasks, nonNil(tasks))
}

// GetTask looks a task template up by id.
func (s *Store) GetTask(ctx context.Context, id any) (*types.Task, bool, error) {
	tasks, err := s.GetTasks(ctx)
	if err != nil {
		return nil, false, err
	}
	want := types.CanonicalID(id)
	for i := range tasks {
		if string(tasks[i].ID) == want {
			return &tasks[i], true, nil
		}
	}
	return nil, false, nil
}

// Notifications

// GetNotifications returns the notification log, newest first.
func (s *Store) GetNotifications(ctx context.Context) ([]types.Notification, error) {
	return get(ctx, s, types.CollNotifications, emptySlice[types.Notification])
}

// SaveNotification prepends n with a fresh id and timestamp, keeping the
// most recent MaxNotifications entries.
func (s *Store) SaveNotification(ctx context.Context, n types.Notification) (*types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.GetNotifications(ctx)
	if err != nil {
		return nil, err
	}
	n.ID = types.ID(uuid.NewString())
	n.Timestamp = types.Timestamp{Time: s.now().UTC()}

	list = append([]types.Notification{n}, list...)
	if len(list) > MaxNotifications {
		list = list[:MaxNotifications]
	}
	if err := s.put(ctx, types.CollNotifications, list); err != nil {
		return nil, err
	}
	return &n, nil
}

// ClearNotifications empties the notification log.
func (s *Store) ClearNotifications(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollNotifications, []types.Notification{})
}

// Shop

// GetShopCategories returns the categories, or the default catalog when
// none are stored.
func (s *Store) GetShopCategories(ctx context.Context) ([]types.ShopCategory, error) {
	cats, err := get(ctx, s, types.CollShopCategories, types.DefaultShopCategories)
	if err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		return types.DefaultShopCategories(), nil
	}
	return cats, nil
}

// SaveShopCategories replaces the categories.
func (s *Store) SaveShopCategories(ctx context.Context, cats []types.ShopCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollShopCategories, nonNil(cats))
}

// GetShopItems returns the shop catalog.
func (s *Store) GetShopItems(ctx context.Context) ([]types.ShopItem, error) {
	return get(ctx, s, types.CollShopItems, emptySlice[types.ShopItem])
}

// SaveShopItems replaces the shop catalog.
func (s *Store) SaveShopItems(ctx context.Context, items []types.ShopItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollShopItems, nonNil(items))
}

// GetPurchasedItems returns the ids of purchased items.
func (s *Store) GetPurchasedItems(ctx context.Context) ([]types.ID, error) {
	return s.getIDSet(ctx, types.CollPurchasedItems)
}

// AddPurchasedItem records an item as purchased. It reports whether the id
// was newly added.
func (s *Store) AddPurchasedItem(ctx context.Context, id any) (bool, error) {
	return s.addToIDSet(ctx, types.CollPurchasedItems, id)
}

// IsItemPurchased reports whether the item was purchased.
func (s *Store) IsItemPurchased(ctx context.Context, id any) (bool, error) {
	return s.idSetHas(ctx, types.CollPurchasedItems, id)
}

// GetPurchaseHistory returns the purchase log, newest first.
func (s *Store) GetPurchaseHistory(ctx context.Context) ([]types.PurchaseRecord, error) {
	return get(ctx, s, types.CollPurchaseHistory, emptySlice[types.PurchaseRecord])
}

// AddPurchase prepends rec to the purchase history, keeping the most recent
// MaxPurchaseHistory entries. Missing ids and timestamps are filled in.
func (s *Store) AddPurchase(ctx context.Context, rec types.PurchaseRecord) (*types.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.GetPurchaseHistory(ctx)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = types.ID(uuid.NewString())
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = types.Timestamp{Time: s.now().UTC()}
	}

	history = append([]types.PurchaseRecord{rec}, history...)
	if len(history) > MaxPurchaseHistory {
		history = history[:MaxPurchaseHistory]
	}
	if err := s.put(ctx, types.CollPurchaseHistory, history); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Timer state

// GetProgressiveTasks returns stopwatch state keyed by task id.
func (s *Store) GetProgressiveTasks(ctx context.Context) (map[types.ID]types.TaskTimerState, error) {
	return get(ctx, s, types.CollProgressiveTasks, emptyMap)
}

// SaveProgressiveTasks replaces all stopwatch state.
func (s *Store) SaveProgressiveTasks(ctx context.Context, state map[types.ID]types.TaskTimerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollProgressiveTasks, nonNilMap(state))
}

// GetTimedTasks returns countdown state keyed by task id.
func (s *Store) GetTimedTasks(ctx context.Context) (map[types.ID]types.TaskTimerState, error) {
	return get(ctx, s, types.CollTimedTasks, emptyMap)
}

// SaveTimedTasks replaces all countdown state.
func (s *Store) SaveTimedTasks(ctx context.Context, state map[types.ID]types.TaskTimerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollTimedTasks, nonNilMap(state))
}

// Completed tasks

// GetCompletedTasks returns the canonical ids of every task ever completed.
func (s *Store) GetCompletedTasks(ctx context.Context) ([]types.ID, error) {
	return s.getIDSet(ctx, types.CollCompletedTasks)
}

// SaveCompletedTasks replaces the completed set.
func (s *Store) SaveCompletedTasks(ctx context.Context, ids []types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollCompletedTasks, types.CanonicalIDs(ids))
}

// AddCompletedTask adds id to the completed set. Numeric and string forms
// of the same id are the same member. On first insertion a title check is
// scheduled. It reports whether the id was newly added.
func (s *Store) AddCompletedTask(ctx context.Context, id any) (bool, error) {
	added, err := s.addToIDSet(ctx, types.CollCompletedTasks, id)
	if err != nil {
		return false, err
	}
	if added {
		s.scheduleTitleCheck(ctx)
	}
	return added, nil
}

// RemoveCompletedTask removes id from the completed set.
func (s *Store) RemoveCompletedTask(ctx context.Context, id any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.GetCompletedTasks(ctx)
	if err != nil {
		return err
	}
	want := types.ID(types.CanonicalID(id))
	kept := ids[:0]
	for _, existing := range ids {
		if existing != want {
			kept = append(kept, existing)
		}
	}
	return s.put(ctx, types.CollCompletedTasks, kept)
}

// IsTaskCompleted reports whether id is in the completed set.
func (s *Store) IsTaskCompleted(ctx context.Context, id any) (bool, error) {
	return s.idSetHas(ctx, types.CollCompletedTasks, id)
}

// Titles

// GetTitles returns the title catalog.
func (s *Store) GetTitles(ctx context.Context) ([]types.Title, error) {
	return get(ctx, s, types.CollTitles, emptySlice[types.Title])
}

// SaveTitles replaces the title catalog.
func (s *Store) SaveTitles(ctx context.Context, titles []types.Title) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollTitles, nonNil(titles))
}

// GetEarnedTitles returns the ids of unlocked titles.
func (s *Store) GetEarnedTitles(ctx context.Context) ([]types.ID, error) {
	return s.getIDSet(ctx, types.CollEarnedTitles)
}

// AddEarnedTitle unlocks a title and reports whether it was newly added.
func (s *Store) AddEarnedTitle(ctx context.Context, id any) (bool, error) {
	return s.addToIDSet(ctx, types.CollEarnedTitles, id)
}

// HasEarnedTitle reports whether the title is unlocked.
func (s *Store) HasEarnedTitle(ctx context.Context, id any) (bool, error) {
	return s.idSetHas(ctx, types.CollEarnedTitles, id)
}

// GetSelectedTitle returns the displayed title id, or "" when none is
// selected.
func (s *Store) GetSelectedTitle(ctx context.Context) (types.ID, error) {
	return get(ctx, s, types.CollSelectedTitle, func() types.ID { return "" })
}

// SetSelectedTitle selects the displayed title. The empty id clears the
// selection.
func (s *Store) SetSelectedTitle(ctx context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		return s.put(ctx, types.CollSelectedTitle, nil)
	}
	return s.put(ctx, types.CollSelectedTitle, id)
}

// Blocked flag

// IsBlocked reports the blocked flag.
func (s *Store) IsBlocked(ctx context.Context) (bool, error) {
	return get(ctx, s, types.CollBlocked, func() bool { return false })
}

// SetBlocked sets the blocked flag.
func (s *Store) SetBlocked(ctx context.Context, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, types.CollBlocked, blocked)
}

// id sets

func (s *Store) getIDSet(ctx context.Context, name string) ([]types.ID, error) {
	ids, err := get(ctx, s, name, emptySlice[types.ID])
	if err != nil {
		return nil, err
	}
	return types.CanonicalIDs(ids), nil
}

func (s *Store) addToIDSet(ctx context.Context, name string, id any) (bool, error) {
	want := types.ID(types.CanonicalID(id))
	if want == "" {
		return false, fmt.Errorf("%s: empty id", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.getIDSet(ctx, name)
	if err != nil {
		return false, err
	}
	for _, existing := range ids {
		if existing == want {
			return false, nil
		}
	}
	if err := s.put(ctx, name, append(ids, want)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) idSetHas(ctx context.Context, name string, id any) (bool, error) {
	ids, err := s.getIDSet(ctx, name)
	if err != nil {
		return false, err
	}
	want := types.ID(types.CanonicalID(id))
	for _, existing := range ids {
		if existing == want {
			return true, nil
		}
	}
	return false, nil
}

func emptySlice[T any]() []T {
	return []T{}
}

func emptyMap() map[types.ID]types.TaskTimerState {
	return map[types.ID]types.TaskTimerState{}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[types.ID]types.TaskTimerState) map[types.ID]types.TaskTimerState {
	if m == nil {
		return emptyMap()
	}
	return m
}
