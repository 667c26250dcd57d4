package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Shape describes how a collection's document is laid out.
type Shape int

const (
	// Singleton collections hold one JSON value.
	Singleton Shape = iota
	// List collections hold an ordered array of objects with a key field.
	List
	// Map collections hold an object keyed by task id.
	Map
	// Set collections hold an array of ids.
	Set
)

func (s Shape) String() string {
	switch s {
	case Singleton:
		return "singleton"
	case List:
		return "list"
	case Map:
		return "map"
	case Set:
		return "set"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Collection names. The name doubles as the mutation type for writes.
const (
	CollPlayerProfile    = "playerProfile"
	CollTasks            = "tasks"
	CollNotifications    = "notifications"
	CollShopItems        = "shopItems"
	CollShopCategories   = "shopCategories"
	CollPurchasedItems   = "purchasedItems"
	CollPurchaseHistory  = "purchaseHistory"
	CollProgressiveTasks = "progressiveTaskState"
	CollTimedTasks       = "timedTaskState"
	CollCompletedTasks   = "completedTasks"
	CollTitles           = "titles"
	CollEarnedTitles     = "earnedTitles"
	CollSelectedTitle    = "selectedTitle"
	CollBlocked          = "blocked"
	CollMutationLog      = "mutationLog"
)

// Collection describes one logical table of the local store.
type Collection struct {
	Name string
	// LegacyKey is the flat-store key holding the whole collection.
	LegacyKey string
	// SnapshotField is the field name inside a cloud save.
	SnapshotField string
	Shape         Shape
	// KeyField names the id property of list records.
	KeyField string
}

func (c Collection) String() string {
	return c.Name
}

var collections = []Collection{
	{Name: CollPlayerProfile, LegacyKey: "leveling_player_data", SnapshotField: "player_data", Shape: Singleton},
	{Name: CollTasks, LegacyKey: "leveling_tasks", SnapshotField: "tasks", Shape: List, KeyField: "id"},
	{Name: CollNotifications, LegacyKey: "leveling_notifications", SnapshotField: "notifications", Shape: List, KeyField: "id"},
	{Name: CollShopItems, LegacyKey: "leveling_shop_items", SnapshotField: "shop_items", Shape: List, KeyField: "id"},
	{Name: CollShopCategories, LegacyKey: "leveling_shop_categories", SnapshotField: "shop_categories", Shape: List, KeyField: "id"},
	{Name: CollPurchasedItems, LegacyKey: "leveling_purchased_items", SnapshotField: "purchased_items", Shape: Set},
	{Name: CollPurchaseHistory, LegacyKey: "leveling_purchase_history", SnapshotField: "purchase_history", Shape: List, KeyField: "id"},
	{Name: CollProgressiveTasks, LegacyKey: "leveling_progressive_tasks", SnapshotField: "progressive_tasks", Shape: Map},
	{Name: CollTimedTasks, LegacyKey: "leveling_time_tasks", SnapshotField: "time_tasks", Shape: Map},
	{Name: CollCompletedTasks, LegacyKey: "leveling_completed_tasks", SnapshotField: "completed_tasks", Shape: Set},
	{Name: CollTitles, LegacyKey: "leveling_titles", SnapshotField: "titles", Shape: List, KeyField: "id"},
	{Name: CollEarnedTitles, LegacyKey: "leveling_earned_titles", SnapshotField: "earned_titles", Shape: Set},
	{Name: CollSelectedTitle, LegacyKey: "leveling_selected_title", SnapshotField: "selected_title", Shape: Singleton},
	{Name: CollBlocked, LegacyKey: "leveling_blocked", SnapshotField: "blocked", Shape: Singleton},
}

// Collections returns every record collection in a stable order. The
// mutation log is stored separately and is not part of the list.
func Collections() []Collection {
	out := make([]Collection, len(collections))
	copy(out, collections)
	return out
}

// LookupCollection finds a collection by name.
func LookupCollection(name string) (Collection, bool) {
	for _, c := range collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// MustCollection is LookupCollection for names known at compile time.
func MustCollection(name string) Collection {
	c, ok := LookupCollection(name)
	if !ok {
		panic("unknown collection: " + name)
	}
	return c
}

// Snapshot is a full copy of local state as exchanged with the cloud.
// Each collection is held as its raw JSON document under its snapshot field.
type Snapshot struct {
	Data      map[string]json.RawMessage
	UpdatedAt *time.Time
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Data: make(map[string]json.RawMessage)}
}

// Get returns the document stored for c. Older clients stored each document
// as a JSON-encoded string; those are unwrapped transparently.
func (s *Snapshot) Get(c Collection) (json.RawMessage, bool) {
	raw, ok := s.Data[c.SnapshotField]
	if !ok {
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, false
		}
		if json.Valid([]byte(inner)) {
			return json.RawMessage(inner), true
		}
		if c.Shape != Singleton || inner == "" {
			return nil, false
		}
	}
	return raw, true
}

// Set stores doc for c.
func (s *Snapshot) Set(c Collection, doc json.RawMessage) {
	if s.Data == nil {
		s.Data = make(map[string]json.RawMessage)
	}
	s.Data[c.SnapshotField] = doc
}

// Fields returns the populated snapshot fields, sorted.
func (s *Snapshot) Fields() []string {
	out := make([]string, 0, len(s.Data))
	for k := range s.Data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON flattens the snapshot into one object with an updated_at field.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(s.Data)+1)
	for k, v := range s.Data {
		obj[k] = v
	}
	if s.UpdatedAt != nil {
		ts, err := json.Marshal(s.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
		obj["updated_at"] = ts
	}
	return json.Marshal(obj)
}

// UnmarshalJSON reads the flat object form written by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	s.Data = make(map[string]json.RawMessage, len(obj))
	s.UpdatedAt = nil
	for k, v := range obj {
		if k != "updated_at" {
			s.Data[k] = v
			continue
		}
		var ts Timestamp
		if err := json.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("invalid snapshot updated_at: %w", err)
		}
		if !ts.IsZero() {
			t := ts.Time
			s.UpdatedAt = &t
		}
	}
	return nil
}
