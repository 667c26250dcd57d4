// Command lvl is the command-line shell of the leveling core: it reads and
// updates the local save, runs cloud sync and serves the sync endpoint.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/leveling/leveling/internal/config"
	"github.com/leveling/leveling/internal/logging"
)

var (
	configPath string
	dataDir    string
	jsonOutput bool
	verbose    bool

	cfg        *config.Config
	baseLogger *log.Logger
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "lvl",
	Short: "Gamified task tracker: local save and cloud sync",
	Long: `lvl manages a leveling save: player profile, tasks, shop and titles.

State lives in a local SQLite database with a flat JSON fallback store.
When sync credentials are configured the save is reconciled with the cloud.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			c.DataDir = dataDir
		}
		cfg = c

		baseLogger, logCloser = logging.New(cfg.Log)
		if !verbose && cfg.Log.File == "" {
			baseLogger.SetOutput(io.Discard)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $LEVELING_HOME/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "player", Title: "Player:"},
		&cobra.Group{ID: "data", Title: "Local data:"},
		&cobra.Group{ID: "sync", Title: "Cloud sync:"},
		&cobra.Group{ID: "advanced", Title: "Servers:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// outputJSON prints v as indented JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
