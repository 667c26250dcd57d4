// Package progress implements the game rules that mutate stored state:
// XP and level roll-over, title awarding and shop purchases.
//
// Engine is stateless apart from the store it writes through. New installs
// it as the store's title checker so gold gains and first task completions
// re-check titles in the background.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

var (
	// ErrGateNotSatisfied is returned when a gated action is attempted
	// while its requirements fail.
	ErrGateNotSatisfied = errors.New("requirements not met")

	// ErrPurchaseDenied wraps the reasons a purchase was refused.
	ErrPurchaseDenied = errors.New("purchase denied")

	// ErrItemNotFound is returned for purchases of unknown shop items.
	ErrItemNotFound = errors.New("shop item not found")
)

// Engine applies progress rules through a store.
type Engine struct {
	store  *storage.Store
	logger *log.Logger

	// titleMu serializes title checks so concurrent triggers award each
	// title once.
	titleMu sync.Mutex
}

// New creates an engine and installs it as the store's title checker.
func New(store *storage.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[progress] ", log.LstdFlags)
	}
	e := &Engine{store: store, logger: logger}
	store.SetTitleChecker(e)
	return e
}

// SkillLevelUp is one level gained by a skill.
type SkillLevelUp struct {
	Skill string `json:"skill"`
	Level int    `json:"level"`
}

// XPResult describes the level-ups caused by one XP award, in the order
// they happened. Clients sequence their popups from it.
type XPResult struct {
	LevelUps      []int                `json:"levelUps"`
	SkillLevelUps []SkillLevelUp       `json:"skillLevelUps"`
	Profile       *types.PlayerProfile `json:"playerData"`
}

// LeveledUp reports whether the general level changed.
func (r *XPResult) LeveledUp() bool {
	return len(r.LevelUps) > 0
}

// AddXP awards amount XP to the player and to each of skillTags. Levels roll
// over as many times as the XP allows. Tags that are not skills of the
// profile are ignored. The profile is saved once, then one notification per
// level-up is logged, and a title check is scheduled if the general level
// changed.
func (e *Engine) AddXP(ctx context.Context, amount int, skillTags ...string) (*XPResult, error) {
	if amount < 0 {
		return nil, fmt.Errorf("add xp %d: %w", amount, storage.ErrNegativeAmount)
	}

	res := &XPResult{LevelUps: []int{}, SkillLevelUps: []SkillLevelUp{}}
	p, err := e.store.UpdatePlayerProfile(ctx, func(p *types.PlayerProfile) error {
		res.LevelUps = res.LevelUps[:0]
		res.SkillLevelUps = res.SkillLevelUps[:0]

		p.XP += amount
		for p.XP >= storage.XPForNextLevel(p.Level) {
			p.XP -= storage.XPForNextLevel(p.Level)
			p.Level++
			res.LevelUps = append(res.LevelUps, p.Level)
		}

		for _, tag := range dedupe(skillTags) {
			sk, ok := p.Skills[tag]
			if !ok {
				continue
			}
			sk.XP += amount
			for sk.XP >= storage.SkillXPForNextLevel(sk.Level) {
				sk.XP -= storage.SkillXPForNextLevel(sk.Level)
				sk.Level++
				res.SkillLevelUps = append(res.SkillLevelUps, SkillLevelUp{Skill: tag, Level: sk.Level})
			}
			p.Skills[tag] = sk
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add xp: %w", err)
	}
	res.Profile = p

	for _, n := range levelUpNotifications(res) {
		if _, err := e.store.SaveNotification(ctx, n); err != nil {
			e.logger.Printf("Warning: failed to save %s notification: %v", n.Type, err)
		}
	}

	if res.LeveledUp() {
		e.store.ScheduleTitleCheck(ctx)
	}
	return res, nil
}

// levelUpNotifications returns the notifications for res in save order.
// The log is newest-first, so the result is the reverse of display order:
// general level-ups before skill level-ups, lower levels first.
func levelUpNotifications(res *XPResult) []types.Notification {
	type pending struct {
		priority int
		n        types.Notification
	}
	var list []pending
	for _, level := range res.LevelUps {
		list = append(list, pending{0, types.Notification{
			Type:    types.NotificationLevelUp,
			Title:   "Level Up!",
			Message: fmt.Sprintf("Congratulations! You reached level %d!", level),
			Level:   level,
			Sound:   types.SoundSuccess,
		}})
	}
	for _, up := range res.SkillLevelUps {
		list = append(list, pending{1, types.Notification{
			Type:    types.NotificationSkillLevelUp,
			Title:   "Skill Improved!",
			Message: fmt.Sprintf("%s reached level %d!", SkillName(up.Skill), up.Level),
			Skill:   up.Skill,
			Level:   up.Level,
			Sound:   types.SoundComputerProcessing,
		}})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].n.Level < list[j].n.Level
	})

	out := make([]types.Notification, len(list))
	for i, p := range list {
		out[len(list)-1-i] = p.n
	}
	return out
}

var skillNames = map[string]string{
	"strength":     "Strength",
	"vitality":     "Vitality",
	"agility":      "Agility",
	"intelligence": "Intelligence",
	"persistence":  "Persistence",
}

// SkillName returns the display name of a skill.
func SkillName(skill string) string {
	if name, ok := skillNames[skill]; ok {
		return name
	}
	return skill
}

// Completion is the outcome of completing a task.
type Completion struct {
	Task *types.Task `json:"task"`
	XP   *XPResult   `json:"xp"`

	// FirstCompletion is false when the task had been completed before.
	FirstCompletion bool `json:"firstCompletion"`

	// Titles lists the titles awarded as a consequence.
	Titles []types.Title `json:"titles"`
}

// CompleteTask awards a task's XP to its skills and records it as completed.
// Tasks are templates and stay in the task list; a running countdown is
// cleared. Titles earned as a consequence are awarded before returning.
func (e *Engine) CompleteTask(ctx context.Context, id any) (*Completion, error) {
	task, ok, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("task %s: %w", types.CanonicalID(id), storage.ErrNotFound)
	}

	xp, err := e.AddXP(ctx, task.XPReward, task.Skills()...)
	if err != nil {
		return nil, err
	}
	first, err := e.store.AddCompletedTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record completion: %w", err)
	}

	if task.Kind == types.TaskTimed && task.StartedAt != nil {
		if err := e.clearCountdown(ctx, task.ID); err != nil {
			e.logger.Printf("Warning: failed to reset countdown of task %s: %v", task.ID, err)
		}
		task.StartedAt = nil
	}

	titles, err := e.CheckAndAwardTitles(ctx)
	if err != nil {
		e.logger.Printf("Warning: title check failed: %v", err)
	}
	return &Completion{Task: task, XP: xp, FirstCompletion: first, Titles: titles}, nil
}

func (e *Engine) clearCountdown(ctx context.Context, id types.ID) error {
	tasks, err := e.store.GetTasks(ctx)
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].ID == id {
			tasks[i].StartedAt = nil
		}
	}
	return e.store.SaveTasks(ctx, tasks)
}

func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := tags[:0:0]
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
