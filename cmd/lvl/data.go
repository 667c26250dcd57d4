package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/leveling/leveling/internal/catalog"
	"github.com/leveling/leveling/internal/config"
	"github.com/leveling/leveling/internal/types"
	"github.com/leveling/leveling/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "data",
	Short:   "Show storage backend, outbox and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			type status struct {
				DataDir        string             `json:"dataDir"`
				Backend        string             `json:"backend"`
				Unsynced       int                `json:"unsyncedMutations"`
				Synced         int                `json:"syncedMutations"`
				SyncConfigured bool               `json:"syncConfigured"`
				Sync           types.SyncMetadata `json:"sync"`
				LocalUpdatedAt *time.Time         `json:"localUpdatedAt,omitempty"`
			}
			st := status{
				DataDir:        a.cfg.DataDir,
				Backend:        a.store.Backend(ctx),
				SyncConfigured: a.sync.Configured(),
			}
			if a.oplog != nil {
				var err error
				if st.Unsynced, st.Synced, err = a.oplog.Count(ctx); err != nil {
					a.logger.Printf("Warning: %v", err)
				}
			}
			md, err := a.store.SyncMetadata(ctx)
			if err != nil {
				return err
			}
			st.Sync = md
			st.LocalUpdatedAt, _ = a.store.LocalUpdatedAt()

			if jsonOutput {
				return outputJSON(st)
			}
			fmt.Println(ui.Panel("Status",
				ui.LabelValue("Data dir", st.DataDir),
				ui.LabelValue("Backend", st.Backend),
				ui.LabelValue("Outbox", fmt.Sprintf("%d unsynced, %d synced", st.Unsynced, st.Synced)),
				ui.LabelValue("Cloud sync", onOff(st.SyncConfigured)),
				ui.LabelValue("Last change", formatTime(st.LocalUpdatedAt)),
				ui.LabelValue("Last push", formatTime(md.LastLocalSaveAt)),
				ui.LabelValue("Last restore", formatTime(md.LastLocalRestoreAt)),
			))
			return nil
		})
	},
}

func onOff(b bool) string {
	if b {
		return ui.RenderPass("enabled")
	}
	return ui.RenderMuted("disabled")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ui.RenderMuted("never")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "data",
	Short:   "Copy the legacy flat store into the database",
	Long: `Copy every legacy flat-store key into the durable store.

Migration runs once per installation and also happens automatically on first
use. Collections whose legacy value is malformed are skipped and reported.

After repeated database failures the store switches to the flat files for
good. --reset-primary re-enables the database once it works again and copies
back everything written to the flat files in the meantime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset-primary")
		return withApp(cmd.Context(), func(a *app) error {
			if reset {
				dirty, err := resetPrimary(cmd.Context(), a)
				if err != nil {
					return err
				}
				if !jsonOutput {
					fmt.Printf("%s Database re-enabled, %d collections copied back\n", ui.RenderPass("✓"), len(dirty))
				}
			}
			res, err := a.store.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			if res.AlreadyDone {
				fmt.Println(ui.RenderMuted("Already migrated."))
				return nil
			}
			fmt.Printf("%s Migrated %d collections (%d absent)\n",
				ui.RenderPass("✓"), len(res.Migrated), len(res.Absent))
			for i, name := range res.Skipped {
				fmt.Printf("%s skipped %s: %v\n", ui.RenderWarn("!"), name, res.Errors[i])
			}
			return nil
		})
	},
}

// resetPrimary re-enables the durable store and returns the collections
// that were copied back from the flat store.
func resetPrimary(ctx context.Context, a *app) ([]string, error) {
	if a.db == nil {
		return nil, fmt.Errorf("cannot reset: database at %s did not open", a.cfg.DBPath())
	}
	dirty, err := a.store.DirtyCollections()
	if err != nil {
		a.logger.Printf("Warning: %v", err)
	}
	if err := a.store.ResetPrimary(ctx); err != nil {
		return nil, fmt.Errorf("failed to re-enable database: %w", err)
	}
	return dirty, nil
}

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "data",
	Short:   "Show the mutation log",
	Long: `Show recorded mutations, oldest first.

--since accepts a duration ("48h"), an RFC 3339 time, or plain English
("yesterday", "last monday", "3 days ago").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		unsynced, _ := cmd.Flags().GetBool("unsynced")
		since, err := parseSince(sinceText, time.Now())
		if err != nil {
			return err
		}

		return withApp(cmd.Context(), func(a *app) error {
			if a.oplog == nil {
				return errors.New("mutation log unavailable: durable store is not open")
			}
			var muts []types.Mutation
			if unsynced {
				muts, err = a.oplog.ListUnsynced(cmd.Context())
			} else {
				muts, err = a.oplog.List(cmd.Context(), since)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(muts)
			}
			for _, m := range muts {
				state := ui.RenderWarn("pending")
				if m.Synced {
					state = ui.RenderMuted("synced")
				}
				fmt.Printf("%s  %-20s %s  %s\n", m.Timestamp.Local().Format("2006-01-02 15:04:05"),
					m.Type, state, ui.RenderMuted(m.ID))
			}
			return nil
		})
	},
}

// parseSince interprets a --since value relative to now. Empty means no
// lower bound.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time", s)
	}
	return r.Time, nil
}

var catalogCmd = &cobra.Command{
	Use:     "catalog",
	GroupID: "data",
	Short:   "Manage task, shop and title definitions",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file.toml|file.yaml>",
	Short: "Import tasks, shop items and titles from a file",
	Long: `Import definitions from a TOML or YAML catalog.

Records whose id already exists are replaced; new records are appended.
Sections missing from the file are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := catalog.Load(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			sum, err := c.Apply(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(sum)
			}
			for _, line := range []struct {
				name string
				n    catalog.Counts
			}{
				{"categories", sum.Categories},
				{"tasks", sum.Tasks},
				{"shop items", sum.Items},
				{"titles", sum.Titles},
			} {
				if line.n.Added+line.n.Replaced == 0 {
					continue
				}
				fmt.Printf("%s %s: %d added, %d replaced\n", ui.RenderPass("✓"), line.name, line.n.Added, line.n.Replaced)
			}
			return nil
		})
	},
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "data",
	Short:   "Write a default config file",
	// The file may not exist yet, so skip loading it.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.Path()
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

func init() {
	logCmd.Flags().String("since", "", "Only show mutations at or after this time")
	logCmd.Flags().Bool("unsynced", false, "Only show mutations not yet pushed")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	migrateCmd.Flags().Bool("reset-primary", false, "Re-enable a database disabled after failures")

	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(statusCmd, migrateCmd, logCmd, catalogCmd, initCmd)
}
