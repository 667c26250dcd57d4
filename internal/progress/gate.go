package progress

import (
	"fmt"
	"strings"

	"github.com/leveling/leveling/internal/types"
)

// ReasonNoRequirements is reported for a gate with no enabled flag. Such a
// gate never passes.
const ReasonNoRequirements = "no requirements defined"

// Gate is the requirement set shared by titles and shop items. Only enabled
// flags are checked and every enabled flag must pass.
type Gate struct {
	RequiresGold  bool
	RequiredGold  int
	RequiresLevel bool
	RequiredLevel int
	RequiresTasks bool
	RequiredTasks []types.ID

	// Strict rejects enabled flags without a threshold: a zero price, a zero
	// required level, or an empty task list. Shop items are strict, titles
	// are not.
	Strict bool

	// TaskName resolves task ids for the pending-tasks reason. Nil prints
	// the id.
	TaskName func(types.ID) string
}

// GateResult is the outcome of a gate evaluation. Reasons is empty when
// Allowed.
type GateResult struct {
	Allowed bool       `json:"allowed"`
	Reasons []string   `json:"reasons,omitempty"`
	Missing []types.ID `json:"missing,omitempty"`
}

// Reason joins the reasons for display.
func (r GateResult) Reason() string {
	return strings.Join(r.Reasons, ", ")
}

// TitleGate returns the gate of a title.
func TitleGate(t types.Title) Gate {
	return Gate{
		RequiresGold:  t.RequiresGold,
		RequiredGold:  t.RequiredGold,
		RequiresLevel: t.RequiresLevel,
		RequiredLevel: t.RequiredLevel,
		RequiresTasks: t.RequiresTasks,
		RequiredTasks: t.RequiredTasks,
	}
}

// ItemGate returns the gate of a shop item, resolving legacy purchase types.
func ItemGate(item types.ShopItem) Gate {
	gold, level, tasks := item.Requirements()
	return Gate{
		RequiresGold:  gold,
		RequiredGold:  item.Price,
		RequiresLevel: level,
		RequiredLevel: item.RequiredLevel,
		RequiresTasks: tasks,
		RequiredTasks: item.RequiredTasks,
		Strict:        true,
	}
}

// Enabled reports whether at least one requirement flag is set.
func (g Gate) Enabled() bool {
	return g.RequiresGold || g.RequiresLevel || g.RequiresTasks
}

// Evaluate checks the gate against a profile and the completed-task set.
// Task ids are compared in canonical string form.
func (g Gate) Evaluate(p *types.PlayerProfile, completed []types.ID) GateResult {
	if !g.Enabled() {
		return GateResult{Reasons: []string{ReasonNoRequirements}}
	}

	var res GateResult
	if g.RequiresGold {
		switch {
		case g.Strict && g.RequiredGold <= 0:
			res.Reasons = append(res.Reasons, "price not defined")
		case p.Gold < g.RequiredGold:
			res.Reasons = append(res.Reasons,
				fmt.Sprintf("not enough gold (need %d, have %d)", g.RequiredGold, p.Gold))
		}
	}

	if g.RequiresLevel {
		switch {
		case g.Strict && g.RequiredLevel <= 0:
			res.Reasons = append(res.Reasons, "required level not defined")
		case p.Level < g.RequiredLevel:
			res.Reasons = append(res.Reasons,
				fmt.Sprintf("level %d required (you are level %d)", g.RequiredLevel, p.Level))
		}
	}

	if g.RequiresTasks {
		if len(g.RequiredTasks) == 0 {
			if g.Strict {
				res.Reasons = append(res.Reasons, "required tasks not defined")
			}
		} else if res.Missing = missingTasks(g.RequiredTasks, completed); len(res.Missing) > 0 {
			names := make([]string, len(res.Missing))
			for i, id := range res.Missing {
				names[i] = g.taskName(id)
			}
			res.Reasons = append(res.Reasons, "pending tasks: "+strings.Join(names, ", "))
		}
	}

	res.Allowed = len(res.Reasons) == 0
	return res
}

func (g Gate) taskName(id types.ID) string {
	if g.TaskName != nil {
		if name := g.TaskName(id); name != "" {
			return name
		}
	}
	return "ID: " + id.String()
}

func missingTasks(required, completed []types.ID) []types.ID {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[types.CanonicalID(id)] = true
	}
	var missing []types.ID
	for _, id := range required {
		if !done[types.CanonicalID(id)] {
			missing = append(missing, id)
		}
	}
	return missing
}
