// Package catalog imports task, shop and title definitions from TOML or
// YAML files into the store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/leveling/leveling/internal/types"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid catalog")

// Catalog is the file format.
//
//	[[tasks]]
//	id = "run"
//	title = "Morning run"
//	xp = 40
//	skills = ["vitality"]
type Catalog struct {
	Categories []Category `toml:"categories" yaml:"categories"`
	Tasks      []Task     `toml:"tasks" yaml:"tasks"`
	Items      []Item     `toml:"items" yaml:"items"`
	Titles     []Title    `toml:"titles" yaml:"titles"`
}

type Category struct {
	ID    string `toml:"id" yaml:"id"`
	Name  string `toml:"name" yaml:"name"`
	Order int    `toml:"order" yaml:"order"`
}

type Task struct {
	ID          string   `toml:"id" yaml:"id"`
	Title       string   `toml:"title" yaml:"title"`
	Description string   `toml:"description" yaml:"description"`
	Kind        string   `toml:"type" yaml:"type"`
	XP          int      `toml:"xp" yaml:"xp"`
	Skills      []string `toml:"skills" yaml:"skills"`
	Duration    int      `toml:"duration" yaml:"duration"`
	Inactive    bool     `toml:"inactive" yaml:"inactive"`
}

type Item struct {
	ID            string   `toml:"id" yaml:"id"`
	Title         string   `toml:"title" yaml:"title"`
	Description   string   `toml:"description" yaml:"description"`
	Category      string   `toml:"category" yaml:"category"`
	Price         int      `toml:"price" yaml:"price"`
	RequiredLevel int      `toml:"required_level" yaml:"required_level"`
	RequiredTasks []string `toml:"required_tasks" yaml:"required_tasks"`
	RequiresGold  bool     `toml:"requires_gold" yaml:"requires_gold"`
	RequiresLevel bool     `toml:"requires_level" yaml:"requires_level"`
	RequiresTasks bool     `toml:"requires_tasks" yaml:"requires_tasks"`
}

type Title struct {
	ID            string   `toml:"id" yaml:"id"`
	Name          string   `toml:"name" yaml:"name"`
	Description   string   `toml:"description" yaml:"description"`
	RequiredLevel int      `toml:"required_level" yaml:"required_level"`
	RequiredGold  int      `toml:"required_gold" yaml:"required_gold"`
	RequiredTasks []string `toml:"required_tasks" yaml:"required_tasks"`
}

// Load reads a catalog, choosing the decoder by extension.
func Load(path string) (*Catalog, error) {
	var c Catalog
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ids and task kinds.
func (c *Catalog) Validate() error {
	var errs []error
	check := func(section string, ids []string) {
		seen := make(map[string]bool, len(ids))
		for i, id := range ids {
			id = strings.TrimSpace(id)
			switch {
			case id == "":
				errs = append(errs, fmt.Errorf("%w: %s[%d] has no id", ErrInvalid, section, i))
			case seen[id]:
				errs = append(errs, fmt.Errorf("%w: duplicate %s id %q", ErrInvalid, section, id))
			}
			seen[id] = true
		}
	}
	check("categories", ids(c.Categories, func(v Category) string { return v.ID }))
	check("tasks", ids(c.Tasks, func(v Task) string { return v.ID }))
	check("items", ids(c.Items, func(v Item) string { return v.ID }))
	check("titles", ids(c.Titles, func(v Title) string { return v.ID }))

	for _, t := range c.Tasks {
		switch types.TaskKind(t.Kind) {
		case "", types.TaskCommon:
		case types.TaskTimed:
			if t.Duration <= 0 {
				errs = append(errs, fmt.Errorf("%w: timed task %q needs a duration", ErrInvalid, t.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("%w: task %q has unknown type %q", ErrInvalid, t.ID, t.Kind))
		}
		if t.XP < 0 {
			errs = append(errs, fmt.Errorf("%w: task %q has negative xp", ErrInvalid, t.ID))
		}
	}
	return errors.Join(errs...)
}

func ids[T any](vs []T, id func(T) string) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = id(v)
	}
	return out
}

func toIDs(ss []string) []types.ID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]types.ID, len(ss))
	for i, s := range ss {
		out[i] = types.ID(strings.TrimSpace(s))
	}
	return out
}

func (t Task) record() types.Task {
	kind := types.TaskKind(t.Kind)
	if kind == "" {
		kind = types.TaskCommon
	}
	rec := types.Task{
		ID:          types.ID(t.ID),
		Title:       t.Title,
		Description: t.Description,
		Kind:        kind,
		XPReward:    t.XP,
		SkillTags:   t.Skills,
		Duration:    t.Duration,
	}
	if t.Inactive {
		rec.Active = types.Bool(false)
	}
	return rec
}

func (i Item) record() types.ShopItem {
	rec := types.ShopItem{
		ID:            types.ID(i.ID),
		Title:         i.Title,
		Description:   i.Description,
		Category:      types.ID(i.Category),
		Price:         i.Price,
		RequiredLevel: i.RequiredLevel,
		RequiredTasks: toIDs(i.RequiredTasks),
	}
	if i.RequiresGold {
		rec.RequiresGold = types.Bool(true)
	}
	if i.RequiresLevel {
		rec.RequiresLevel = types.Bool(true)
	}
	if i.RequiresTasks {
		rec.RequiresTasks = types.Bool(true)
	}
	return rec
}

// record enables each requirement that has a value.
func (t Title) record() types.Title {
	return types.Title{
		ID:            types.ID(t.ID),
		Name:          t.Name,
		Description:   t.Description,
		RequiresLevel: t.RequiredLevel > 0,
		RequiredLevel: t.RequiredLevel,
		RequiresGold:  t.RequiredGold > 0,
		RequiredGold:  t.RequiredGold,
		RequiresTasks: len(t.RequiredTasks) > 0,
		RequiredTasks: toIDs(t.RequiredTasks),
	}
}

func (c Category) record() types.ShopCategory {
	return types.ShopCategory{ID: types.ID(c.ID), Name: c.Name, Order: c.Order}
}

// Store is the subset of the accessor layer Apply writes through.
type Store interface {
	GetTasks(ctx context.Context) ([]types.Task, error)
	SaveTasks(ctx context.Context, tasks []types.Task) error
	GetShopItems(ctx context.Context) ([]types.ShopItem, error)
	SaveShopItems(ctx context.Context, items []types.ShopItem) error
	GetTitles(ctx context.Context) ([]types.Title, error)
	SaveTitles(ctx context.Context, titles []types.Title) error
	GetShopCategories(ctx context.Context) ([]types.ShopCategory, error)
	SaveShopCategories(ctx context.Context, cats []types.ShopCategory) error
}

// Counts reports, per section, how many records were added and replaced.
type Counts struct {
	Added    int `json:"added"`
	Replaced int `json:"replaced"`
}

// Summary is the outcome of Apply.
type Summary struct {
	Categories Counts `json:"categories"`
	Tasks      Counts `json:"tasks"`
	Items      Counts `json:"items"`
	Titles     Counts `json:"titles"`
}

// Apply merges the catalog into the store. Records whose id already
// exists are replaced in place; new records are appended. Empty sections
// leave the stored collection untouched.
func (c *Catalog) Apply(ctx context.Context, s Store) (*Summary, error) {
	var sum Summary
	var err error

	if len(c.Categories) > 0 {
		sum.Categories, err = merge(ctx, s.GetShopCategories, s.SaveShopCategories,
			convert(c.Categories, Category.record), func(v types.ShopCategory) types.ID { return v.ID })
		if err != nil {
			return nil, fmt.Errorf("failed to import categories: %w", err)
		}
	}
	if len(c.Tasks) > 0 {
		sum.Tasks, err = merge(ctx, s.GetTasks, s.SaveTasks,
			convert(c.Tasks, Task.record), func(v types.Task) types.ID { return v.ID })
		if err != nil {
			return nil, fmt.Errorf("failed to import tasks: %w", err)
		}
	}
	if len(c.Items) > 0 {
		sum.Items, err = merge(ctx, s.GetShopItems, s.SaveShopItems,
			convert(c.Items, Item.record), func(v types.ShopItem) types.ID { return v.ID })
		if err != nil {
			return nil, fmt.Errorf("failed to import shop items: %w", err)
		}
	}
	if len(c.Titles) > 0 {
		sum.Titles, err = merge(ctx, s.GetTitles, s.SaveTitles,
			convert(c.Titles, Title.record), func(v types.Title) types.ID { return v.ID })
		if err != nil {
			return nil, fmt.Errorf("failed to import titles: %w", err)
		}
	}
	return &sum, nil
}

func convert[S, T any](in []S, fn func(S) T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}

func merge[T any](
	ctx context.Context,
	get func(context.Context) ([]T, error),
	save func(context.Context, []T) error,
	incoming []T,
	id func(T) types.ID,
) (Counts, error) {
	existing, err := get(ctx)
	if err != nil {
		return Counts{}, err
	}
	index := make(map[string]int, len(existing))
	for i, v := range existing {
		index[types.CanonicalID(id(v))] = i
	}

	var n Counts
	for _, v := range incoming {
		key := types.CanonicalID(id(v))
		if i, ok := index[key]; ok {
			existing[i] = v
			n.Replaced++
			continue
		}
		index[key] = len(existing)
		existing = append(existing, v)
		n.Added++
	}
	return n, save(ctx, existing)
}
