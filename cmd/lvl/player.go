package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leveling/leveling/internal/events"
	"github.com/leveling/leveling/internal/progress"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
	"github.com/leveling/leveling/internal/ui"
)

var profileCmd = &cobra.Command{
	Use:     "profile",
	GroupID: "player",
	Short:   "Show level, XP, gold and skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			p, err := a.store.GetPlayerProfile(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(p)
			}
			title, _ := a.store.GetSelectedTitle(cmd.Context())
			fmt.Println(renderProfile(p, title))
			return nil
		})
	},
}

func renderProfile(p *types.PlayerProfile, title types.ID) string {
	next := storage.XPForNextLevel(p.Level)
	lines := []string{
		ui.LabelValue("Level", p.Level),
		fmt.Sprintf("%s %s %d/%d", ui.KeyStyle.Render("XP:"), ui.ProgressBar(p.XP, next, 20), p.XP, next),
		ui.LabelValue("Gold", ui.RenderGold(strconv.Itoa(p.Gold))),
	}
	if title != "" {
		lines = append(lines, ui.LabelValue("Title", title))
	}

	names := make([]string, 0, len(p.Skills))
	for name := range p.Skills {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		lines = append(lines, "")
	}
	for _, name := range names {
		sk := p.Skills[name]
		sn := storage.SkillXPForNextLevel(sk.Level)
		lines = append(lines, fmt.Sprintf("%-13s lv %-3d %s %d/%d",
			progress.SkillName(name), sk.Level, ui.ProgressBar(sk.XP, sn, 10), sk.XP, sn))
	}
	return ui.Panel("Player", lines...)
}

var xpCmd = &cobra.Command{
	Use:     "xp <amount>",
	GroupID: "player",
	Short:   "Award XP to the player and optionally to skills",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[0])
		}
		skills, _ := cmd.Flags().GetStringSlice("skill")

		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.progress.AddXP(cmd.Context(), amount, skills...)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("%s +%d XP\n", ui.RenderAccent("⚡"), amount)
			printLevelUps(res)
			return nil
		})
	},
}

func printLevelUps(res *progress.XPResult) {
	for _, l := range res.LevelUps {
		fmt.Printf("%s Level %d reached\n", ui.RenderGold("LEVEL UP"), l)
	}
	for _, s := range res.SkillLevelUps {
		fmt.Printf("%s %s reached level %d\n", ui.RenderPass("▲"), progress.SkillName(s.Skill), s.Level)
	}
}

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "player",
	Short:   "List and complete tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			tasks, err := a.store.GetTasks(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println(ui.RenderMuted("No tasks. Import some with `lvl catalog import`."))
				return nil
			}
			for _, t := range tasks {
				done, _ := a.store.IsTaskCompleted(cmd.Context(), t.ID)
				mark := " "
				if done {
					mark = ui.RenderPass("✓")
				}
				state := ""
				if !t.IsActive() {
					state = ui.RenderMuted(" (inactive)")
				}
				fmt.Printf("%s %-10s %s %s%s\n", mark, t.ID, t.Title,
					ui.RenderMuted(fmt.Sprintf("+%d xp %s", t.XPReward, strings.Join(t.Skills(), ","))), state)
			}
			return nil
		})
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Complete a task and collect its reward",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			c, err := a.progress.CompleteTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.bus.Emit(events.TaskCompleted, map[string]any{"taskId": c.Task.ID, "xp": c.Task.XPReward})
			if len(c.Titles) > 0 {
				a.bus.Emit(events.TitleChanged, c.Titles)
			}
			if jsonOutput {
				return outputJSON(c)
			}
			fmt.Printf("%s Completed %q (+%d XP)\n", ui.RenderPass("✓"), c.Task.Title, c.Task.XPReward)
			printLevelUps(c.XP)
			printTitles(c.Titles)
			return nil
		})
	},
}

func printTitles(titles []types.Title) {
	for _, t := range titles {
		fmt.Printf("%s New title earned: %s\n", ui.RenderGold("🏆"), t.Name)
	}
}

var shopCmd = &cobra.Command{
	Use:     "shop",
	GroupID: "player",
	Short:   "Browse and buy rewards",
}

var shopListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shop items and whether they can be bought",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			items, err := a.store.GetShopItems(ctx)
			if err != nil {
				return err
			}
			type row struct {
				Item      types.ShopItem      `json:"item"`
				Purchased bool                `json:"purchased"`
				Gate      progress.GateResult `json:"gate"`
			}
			rows := make([]row, 0, len(items))
			for _, item := range items {
				gate, err := a.progress.CanPurchase(ctx, item)
				if err != nil {
					return err
				}
				bought, _ := a.store.IsItemPurchased(ctx, item.ID)
				rows = append(rows, row{Item: item, Purchased: bought, Gate: gate})
			}
			if jsonOutput {
				return outputJSON(rows)
			}
			for _, r := range rows {
				status := ui.RenderPass("available")
				switch {
				case r.Purchased:
					status = ui.RenderMuted("owned")
				case !r.Gate.Allowed:
					status = ui.RenderWarn(r.Gate.Reason())
				}
				fmt.Printf("%-10s %-24s %s  %s\n", r.Item.ID, r.Item.Title,
					ui.RenderGold(fmt.Sprintf("%dg", r.Item.Price)), status)
			}
			return nil
		})
	},
}

var shopBuyCmd = &cobra.Command{
	Use:   "buy <item-id>",
	Short: "Buy a shop item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			rec, err := a.progress.Purchase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(rec)
			}
			fmt.Printf("%s Bought %q for %d gold\n", ui.RenderPass("✓"), rec.ItemTitle, rec.Price)
			return nil
		})
	},
}

var titlesCmd = &cobra.Command{
	Use:     "titles",
	GroupID: "player",
	Short:   "List titles and their requirements",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			statuses, err := a.progress.Titles(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(statuses)
			}
			for _, s := range statuses {
				status := ui.RenderWarn(s.Gate.Reason())
				if s.Earned {
					status = ui.RenderPass("earned")
				} else if s.Gate.Allowed {
					status = ui.RenderAccent("ready")
				}
				fmt.Printf("%-10s %-20s %s\n", s.Title.ID, s.Title.Name, status)
			}
			return nil
		})
	},
}

var titlesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Award every title whose requirements are met",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			awarded, err := a.progress.CheckAndAwardTitles(cmd.Context())
			if err != nil {
				return err
			}
			if len(awarded) > 0 {
				a.bus.Emit(events.TitleChanged, awarded)
			}
			if jsonOutput {
				return outputJSON(awarded)
			}
			if len(awarded) == 0 {
				fmt.Println(ui.RenderMuted("No new titles."))
			}
			printTitles(awarded)
			return nil
		})
	},
}

var titlesSelectCmd = &cobra.Command{
	Use:   "select [title-id]",
	Short: "Display an earned title; no argument clears it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id types.ID
		if len(args) == 1 {
			id = types.ID(args[0])
		}
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.progress.SelectTitle(cmd.Context(), id); err != nil {
				return err
			}
			a.bus.Emit(events.TitleChanged, map[string]any{"selected": id})
			if id == "" {
				fmt.Println("Title cleared")
			} else {
				fmt.Printf("%s Title set to %s\n", ui.RenderPass("✓"), id)
			}
			return nil
		})
	},
}

func init() {
	xpCmd.Flags().StringSliceP("skill", "s", nil, "Skill to award the XP to (repeatable)")

	taskCmd.AddCommand(taskListCmd, taskCompleteCmd)
	shopCmd.AddCommand(shopListCmd, shopBuyCmd)
	titlesCmd.AddCommand(titlesCheckCmd, titlesSelectCmd)

	rootCmd.AddCommand(profileCmd, xpCmd, taskCmd, shopCmd, titlesCmd)
}
