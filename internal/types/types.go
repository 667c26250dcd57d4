// Package types defines the entities persisted by the leveling core.
//
// JSON field names follow the legacy flat-store encoding so that records
// written by older clients decode without conversion.
package types

import (
	"encoding/json"
	"time"
)

// Default skill names every new profile starts with.
var DefaultSkills = []string{"strength", "vitality", "agility", "intelligence", "persistence"}

// SkillProgress is the level and in-level XP of a single skill.
type SkillProgress struct {
	Level int `json:"level"`
	XP    int `json:"xp"`
}

// PlayerProfile is the singleton player record.
type PlayerProfile struct {
	Level  int                      `json:"level"`
	XP     int                      `json:"xp"`
	Gold   int                      `json:"gold"`
	Skills map[string]SkillProgress `json:"skills"`
}

// DefaultPlayerProfile returns the profile of a fresh installation.
func DefaultPlayerProfile() *PlayerProfile {
	skills := make(map[string]SkillProgress, len(DefaultSkills))
	for _, name := range DefaultSkills {
		skills[name] = SkillProgress{Level: 1, XP: 0}
	}
	return &PlayerProfile{Level: 1, XP: 0, Gold: 0, Skills: skills}
}

// Normalize fills fields that older saves may lack.
func (p *PlayerProfile) Normalize() {
	if p.Level < 1 {
		p.Level = 1
	}
	if p.XP < 0 {
		p.XP = 0
	}
	if p.Gold < 0 {
		p.Gold = 0
	}
	if p.Skills == nil {
		p.Skills = make(map[string]SkillProgress)
	}
}

// Clone returns a deep copy.
func (p *PlayerProfile) Clone() *PlayerProfile {
	c := *p
	c.Skills = make(map[string]SkillProgress, len(p.Skills))
	for k, v := range p.Skills {
		c.Skills[k] = v
	}
	return &c
}

// TaskKind distinguishes plain tasks from countdown tasks.
type TaskKind string

const (
	TaskCommon TaskKind = "common"
	// TaskTimed is encoded as "time" for compatibility with legacy saves.
	TaskTimed TaskKind = "time"
)

// Task is a reusable task template. Completing it grants its reward but
// never deletes it; see the completed-task set.
type Task struct {
	ID          ID         `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Kind        TaskKind   `json:"type"`
	XPReward    int        `json:"xp"`
	SkillTags   []string   `json:"skills,omitempty"`
	LegacySkill string     `json:"skill,omitempty"`
	Active      *bool      `json:"active,omitempty"`
	Duration    int        `json:"duration,omitempty"`
	StartedAt   *Timestamp `json:"startedAt,omitempty"`
}

// IsActive reports whether the task is active; absent means active.
func (t *Task) IsActive() bool {
	return t.Active == nil || *t.Active
}

// Skills returns the task's skill tags including the legacy single skill,
// deduplicated.
func (t *Task) Skills() []string {
	out := make([]string, 0, len(t.SkillTags)+1)
	seen := make(map[string]bool)
	for _, s := range append(append([]string{}, t.SkillTags...), t.LegacySkill) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Notification types.
const (
	NotificationLevelUp      = "level_up"
	NotificationSkillLevelUp = "skill_level_up"
	NotificationTitleEarned  = "title_earned"
)

// Sound cues attached to notifications. Playback is up to the client.
const (
	SoundSuccess            = "success"
	SoundComputerProcessing = "computer-processing"
)

// Notification is an entry in the newest-first notification log.
type Notification struct {
	ID        ID        `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp Timestamp `json:"timestamp"`
	Sound     string    `json:"sound,omitempty"`
	Level     int       `json:"level,omitempty"`
	Skill     string    `json:"skill,omitempty"`
	TitleID   ID        `json:"titleId,omitempty"`
	TitleName string    `json:"titleName,omitempty"`
}

// ShopCategory groups shop items for display.
type ShopCategory struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// DefaultShopCategories is the catalog used when none has been saved.
func DefaultShopCategories() []ShopCategory {
	return []ShopCategory{{ID: "default", Name: "General", Order: 0}}
}

// Legacy purchase types that predate the independent requirement flags.
const (
	PurchaseTypeGold  = "gold"
	PurchaseTypeLevel = "level"
	PurchaseTypeTasks = "tasks"
	PurchaseTypeMixed = "mixed"
)

// ShopItem is a purchasable reward. All enabled requirement flags must be
// satisfied for a purchase.
type ShopItem struct {
	ID            ID     `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	ImageURL      string `json:"imageUrl,omitempty"`
	Category      ID     `json:"category,omitempty"`
	Price         int    `json:"price"`
	RequiredLevel int    `json:"requiredLevel"`
	RequiredTasks []ID   `json:"requiredTasks,omitempty"`
	RequiresGold  *bool  `json:"requiresGold,omitempty"`
	RequiresLevel *bool  `json:"requiresLevel,omitempty"`
	RequiresTasks *bool  `json:"requiresTasks,omitempty"`
	PurchaseType  string `json:"purchaseType,omitempty"`
}

// Requirements resolves the effective requirement flags. A legacy purchase
// type, when set, takes precedence over the individual flags.
func (i *ShopItem) Requirements() (gold, level, tasks bool) {
	if i.PurchaseType != "" {
		mixed := i.PurchaseType == PurchaseTypeMixed
		return i.PurchaseType == PurchaseTypeGold || mixed,
			i.PurchaseType == PurchaseTypeLevel || mixed,
			i.PurchaseType == PurchaseTypeTasks || mixed
	}
	return flag(i.RequiresGold), flag(i.RequiresLevel), flag(i.RequiresTasks)
}

// PurchaseRecord is an entry in the newest-first purchase history.
type PurchaseRecord struct {
	ID              ID        `json:"id"`
	ItemID          ID        `json:"itemId"`
	ItemTitle       string    `json:"itemTitle"`
	ItemDescription string    `json:"itemDescription,omitempty"`
	ItemImageURL    string    `json:"itemImageUrl,omitempty"`
	Price           int       `json:"price"`
	RequiredLevel   int       `json:"requiredLevel"`
	RequiredTasks   []ID      `json:"requiredTasks,omitempty"`
	Timestamp       Timestamp `json:"timestamp"`
}

// Title is an unlockable display title.
type Title struct {
	ID            ID     `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	RequiresLevel bool   `json:"requiresLevel"`
	RequiredLevel int    `json:"requiredLevel"`
	RequiresGold  bool   `json:"requiresGold"`
	RequiredGold  int    `json:"requiredGold"`
	RequiresTasks bool   `json:"requiresTasks"`
	RequiredTasks []ID   `json:"requiredTasks,omitempty"`
}

// TaskTimerState is the persisted countdown or stopwatch state of a task.
// Progressive tasks use the pause fields; timed tasks use Duration.
type TaskTimerState struct {
	StartedAt    *Timestamp `json:"startedAt,omitempty"`
	PausedAt     *Timestamp `json:"pausedAt,omitempty"`
	TotalElapsed int64      `json:"totalElapsed"`
	Paused       bool       `json:"paused"`
	Duration     int        `json:"duration,omitempty"`
}

// Mutation is one entry of the local outbox.
type Mutation struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Synced    bool            `json:"synced"`
}

// SyncMetadata records when this device last pushed to or restored from the
// cloud. Nil means never.
type SyncMetadata struct {
	LastLocalSaveAt    *time.Time `json:"lastLocalSaveAt,omitempty"`
	LastLocalRestoreAt *time.Time `json:"lastLocalRestoreAt,omitempty"`
}

func flag(b *bool) bool {
	return b != nil && *b
}

// Bool returns a pointer to b, for optional flag fields.
func Bool(b bool) *bool {
	return &b
}
