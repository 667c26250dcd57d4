package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/leveling/leveling/internal/bench"
	"github.com/leveling/leveling/internal/logging"
	"github.com/leveling/leveling/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure store latency under concurrent load",
	Long: `Run a concurrent read/write load against a scratch data directory.

Each worker cycles through profile reads, gold credits, task-list reads and
task completions. The run fails if the final gold balance does not match
the credits that succeeded.

Modes:
  compare  - Run the SQLite store and the flat store, show both (default)
  primary  - Run only the SQLite store
  flat     - Run only the flat store

Examples:
  lvl bench
  lvl bench --workers 32 --ops 200
  lvl bench --mode flat --json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		c := bench.DefaultConfig()
		c.Workers, _ = cmd.Flags().GetInt("workers")
		c.OpsPerWorker, _ = cmd.Flags().GetInt("ops")
		c.Tasks, _ = cmd.Flags().GetInt("tasks")
		c.Logger = logging.For(baseLogger, "bench")

		switch mode {
		case "compare":
			cmp, err := bench.Compare(cmd.Context(), c)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmp)
			}
			printBenchResult(cmp.Primary)
			printBenchResult(cmp.Flat)
			fmt.Printf("Mean latency ratio (flat / primary): %.2fx\n", cmp.Speedup)
			return nil
		case "primary", "flat":
			c.Backend = bench.Backend(mode)
			res, err := bench.Run(cmd.Context(), c)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			printBenchResult(res)
			return nil
		default:
			return fmt.Errorf("--mode must be compare, primary or flat, got %q", mode)
		}
	},
}

func printBenchResult(r *bench.Result) {
	lines := []string{
		ui.LabelValue("Workers", r.Workers),
		ui.LabelValue("Operations", r.Latency.Count),
		ui.LabelValue("Errors", r.Errors),
		ui.LabelValue("Duration", r.Duration.Round(time.Millisecond)),
		ui.LabelValue("Throughput", fmt.Sprintf("%.0f ops/s", r.Throughput)),
		ui.LabelValue("Served by", r.ServedBy),
		"",
		fmt.Sprintf("%-10s %10s %10s %10s %10s", "op", "p50", "mean", "p95", "max"),
	}
	names := make([]string, 0, len(r.ByOp))
	for name := range r.ByOp {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range append(names, "all") {
		s, ok := r.ByOp[name]
		if !ok {
			s = r.Latency
		}
		lines = append(lines, fmt.Sprintf("%-10s %10v %10v %10v %10v", name,
			s.P50.Round(time.Microsecond), s.Mean.Round(time.Microsecond),
			s.P95.Round(time.Microsecond), s.Max.Round(time.Microsecond)))
	}
	fmt.Println(ui.Panel("Backend: "+string(r.Backend), lines...))
}

func init() {
	d := bench.DefaultConfig()
	benchCmd.Flags().String("mode", "compare", "Benchmark mode: compare, primary or flat")
	benchCmd.Flags().Int("workers", d.Workers, "Concurrent workers")
	benchCmd.Flags().Int("ops", d.OpsPerWorker, "Operations per worker")
	benchCmd.Flags().Int("tasks", d.Tasks, "Tasks in the seeded catalog")
	rootCmd.AddCommand(benchCmd)
}
