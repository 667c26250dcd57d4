package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/leveling/leveling/internal/cloudsync"
	"github.com/leveling/leveling/internal/conflict"
	"github.com/leveling/leveling/internal/events"
	"github.com/leveling/leveling/internal/remote"
	"github.com/leveling/leveling/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile the local save with the cloud",
	Long: `Run one sync cycle: pull the cloud save, then push local state.

The cloud save replaces local state only when it is newer than the last local
change. Without sync credentials (sync.enabled, sync.url, sync.token and
sync.user_id) the command reports "not configured" and does nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res := a.sync.Sync(cmd.Context())
			a.bus.Emit(events.SyncCompleted, res)
			if jsonOutput {
				return outputJSON(res)
			}
			if res.Skipped {
				fmt.Printf("%s Sync skipped: %s\n", ui.RenderWarn("!"), res.Reason)
				return nil
			}
			printStep("pull", res.Pull)
			printStep("push", res.Push)
			return res.Err
		})
	},
}

func printStep(name string, r cloudsync.StepResult) {
	if !r.Success {
		fmt.Printf("%s %s failed: %v\n", ui.RenderFail("✗"), name, r.Error)
		return
	}
	detail := string(r.Action)
	switch {
	case r.Imported > 0:
		detail += fmt.Sprintf(", %d remote mutations imported", r.Imported)
	case r.Pushed > 0:
		detail += fmt.Sprintf(", %d mutations sent", r.Pushed)
	}
	fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), name, detail)
}

// stepCmd builds a subcommand running a single sync step.
func stepCmd(use, short string, step func(*cloudsync.Engine, context.Context) cloudsync.StepResult) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				res := step(a.sync, cmd.Context())
				if jsonOutput {
					return outputJSON(res)
				}
				printStep(use, res)
				return res.Error
			})
		},
	}
}

var syncRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace local state with the cloud save",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			rec, err := a.sync.Restore(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s Restored cloud save from %s\n", ui.RenderPass("✓"), rec.LastModified.Local().Format(time.DateTime))
			return nil
		})
	},
}

var syncOverwriteCmd = &cobra.Command{
	Use:   "overwrite",
	Short: "Replace the cloud save with local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			rec, err := a.sync.Overwrite(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s Cloud save replaced at %s\n", ui.RenderPass("✓"), rec.LastModified.Local().Format(time.DateTime))
			return nil
		})
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync on start, on an interval and on SIGUSR1 (foreground)",
	Long: `Run the auto-sync loop in the foreground.

A cycle runs at start, then every --interval. Sending SIGUSR1 triggers an
immediate cycle, as when the application returns from the background.
Triggers that arrive while a cycle runs are dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = cfg.Sync.Interval
		}
		return withApp(cmd.Context(), func(a *app) error {
			if !a.sync.Configured() {
				return fmt.Errorf("auto-sync: %w", remote.ErrNotConfigured)
			}
			a.bus.Subscribe(events.SyncCompleted, func(e events.Event) {
				if res, ok := e.Data.(cloudsync.Result); ok && !res.Success {
					fmt.Printf("%s sync incomplete: %v\n", ui.RenderWarn("!"), res.Err)
				}
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			runner := cloudsync.NewRunner(a.sync, cloudsync.RunnerConfig{Interval: interval, Bus: a.bus})
			runner.Start(ctx)
			defer runner.Stop()

			resume := make(chan os.Signal, 1)
			signal.Notify(resume, syscall.SIGUSR1)
			defer signal.Stop(resume)

			fmt.Printf("%s Auto-sync every %s (pid %d, SIGUSR1 to sync now)\n", ui.RenderAccent("🔄"), interval, os.Getpid())
			fmt.Printf("\nPress Ctrl+C to stop\n\n")
			for {
				select {
				case <-ctx.Done():
					fmt.Println("\nStopping auto-sync...")
					return nil
				case <-resume:
					runner.TriggerResume()
				}
			}
		})
	},
}

var conflictCmd = &cobra.Command{
	Use:     "conflict",
	GroupID: "sync",
	Short:   "Check whether this device and the cloud save have diverged",
	Long: `Compare the cloud save's timestamp with this device's last push and
last restore.

cloud_newer: the cloud changed after this device last restored.
local_newer: this device pushed after the cloud last changed.

With --resolve (cloud or local), or interactively on a terminal, the
divergence is resolved by restoring or overwriting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolve, _ := cmd.Flags().GetString("resolve")
		switch resolve {
		case "", "cloud", "local":
		default:
			return fmt.Errorf("--resolve must be cloud or local, got %q", resolve)
		}

		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			st, err := a.detector.Check(ctx)
			if err != nil {
				return err
			}
			if st.Conflict() {
				a.bus.Emit(events.ConflictDetected, st)
			}
			if jsonOutput && resolve == "" {
				return outputJSON(st)
			}
			if !st.Conflict() {
				fmt.Printf("%s No conflict\n", ui.RenderPass("✓"))
				return nil
			}
			printConflict(st)

			if resolve == "" && ui.IsTerminal() {
				if resolve, err = promptResolution(st); err != nil {
					return err
				}
			}
			return resolveConflict(ctx, a, resolve)
		})
	},
}

func printConflict(st *conflict.Status) {
	msg := "The cloud save changed after this device last restored it."
	if st.Kind == conflict.LocalNewer {
		msg = "This device has changes newer than the cloud save."
	}
	fmt.Println(ui.Panel(ui.RenderWarn("Sync conflict: "+string(st.Kind)),
		msg,
		"",
		ui.LabelValue("Cloud modified", formatTime(st.CloudLastModified)),
		ui.LabelValue("Cloud last device save", formatTime(st.CloudLastSave)),
		ui.LabelValue("Local last push", formatTime(st.LocalLastSave)),
		ui.LabelValue("Local last restore", formatTime(st.LocalLastRestore)),
	))
}

func promptResolution(st *conflict.Status) (string, error) {
	choice := "cloud"
	if st.Kind == conflict.LocalNewer {
		choice = "local"
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Which save should win?").
			Options(
				huh.NewOption("Use the cloud save (restore)", "cloud"),
				huh.NewOption("Keep this device (overwrite cloud)", "local"),
				huh.NewOption("Decide later", ""),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", nil
		}
		return "", err
	}
	return choice, nil
}

func resolveConflict(ctx context.Context, a *app, resolve string) error {
	switch resolve {
	case "cloud":
		rec, err := a.sync.Restore(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Restored cloud save from %s\n", ui.RenderPass("✓"), rec.LastModified.Local().Format(time.DateTime))
	case "local":
		rec, err := a.sync.Overwrite(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Cloud save replaced at %s\n", ui.RenderPass("✓"), rec.LastModified.Local().Format(time.DateTime))
	default:
		fmt.Println(ui.RenderMuted("Left unresolved. Run `lvl conflict --resolve cloud|local` to decide."))
	}
	return nil
}

func init() {
	syncDaemonCmd.Flags().Duration("interval", 0, "Time between cycles (default: sync.interval)")
	conflictCmd.Flags().String("resolve", "", "Resolve without prompting: cloud or local")

	syncCmd.AddCommand(
		stepCmd("pull", "Only pull the cloud save", (*cloudsync.Engine).Pull),
		stepCmd("push", "Only push local state", (*cloudsync.Engine).Push),
		syncRestoreCmd,
		syncOverwriteCmd,
		syncDaemonCmd,
	)
	rootCmd.AddCommand(syncCmd, conflictCmd)
}
