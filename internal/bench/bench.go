// Package bench measures the accessor layer under concurrent load.
//
// A run populates a scratch data directory with a task catalog, then starts
// Workers goroutines that each perform OpsPerWorker operations drawn from a
// fixed mix of reads and writes: profile reads, gold credits, task
// completions and task-list reads. Every operation is timed. After the run
// the final gold balance is checked against the number of credits issued, so
// a lost update shows up as a consistency error rather than a fast number.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/oplog"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

// Backend selects which stores a run exercises.
type Backend string

const (
	// Primary runs on the SQLite store with the flat mirror and mutation log.
	Primary Backend = "primary"
	// Flat runs on the flat store alone.
	Flat Backend = "flat"
)

// ErrInconsistent is returned when the final state does not match the
// writes that succeeded.
var ErrInconsistent = errors.New("inconsistent final state")

// Config configures a run.
type Config struct {
	Backend      Backend
	Workers      int
	OpsPerWorker int
	Tasks        int

	// Dir is the scratch data directory. Empty uses a temporary directory
	// that is removed afterwards.
	Dir string

	// Logger receives store warnings (default: discarded).
	Logger *log.Logger
}

// DefaultConfig returns a small run against the primary store.
func DefaultConfig() Config {
	return Config{
		Backend:      Primary,
		Workers:      8,
		OpsPerWorker: 50,
		Tasks:        100,
	}
}

func (c Config) validate() error {
	switch {
	case c.Backend != Primary && c.Backend != Flat:
		return fmt.Errorf("unknown backend %q", c.Backend)
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive")
	case c.OpsPerWorker <= 0:
		return fmt.Errorf("ops per worker must be positive")
	case c.Tasks <= 0:
		return fmt.Errorf("tasks must be positive")
	}
	return nil
}

// LatencyStats summarizes operation latencies.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// Result is the outcome of one run.
type Result struct {
	Backend    Backend                 `json:"backend"`
	Workers    int                     `json:"workers"`
	Duration   time.Duration           `json:"duration"`
	Throughput float64                 `json:"opsPerSecond"`
	Errors     int                     `json:"errors"`
	Latency    LatencyStats            `json:"latency"`
	ByOp       map[string]LatencyStats `json:"byOp"`

	// ServedBy is the backend that answered at the end of the run; a
	// primary run that fell back reports "legacy".
	ServedBy string `json:"servedBy"`
}

type op struct {
	name string
	run  func(ctx context.Context, s *storage.Store, worker, i int) error
}

// mix is cycled by every worker; writes make up half of it.
var mix = []op{
	{"profile", func(ctx context.Context, s *storage.Store, _, _ int) error {
		_, err := s.GetPlayerProfile(ctx)
		return err
	}},
	{"addGold", func(ctx context.Context, s *storage.Store, _, _ int) error {
		_, err := s.AddGold(ctx, 1)
		return err
	}},
	{"tasks", func(ctx context.Context, s *storage.Store, _, _ int) error {
		_, err := s.GetTasks(ctx)
		return err
	}},
	{"complete", func(ctx context.Context, s *storage.Store, worker, i int) error {
		_, err := s.AddCompletedTask(ctx, taskID(worker*1_000_000+i))
		return err
	}},
}

func taskID(n int) types.ID {
	return types.ID(fmt.Sprintf("bench-%07d", n))
}

// Run performs one benchmark run.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	dir := cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "leveling-bench-")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	store, closeStore, err := openStore(dir, cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	if err := seed(ctx, store, cfg.Tasks); err != nil {
		return nil, err
	}
	before, err := store.GetPlayerProfile(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		samples = make(map[string][]time.Duration)
		errs    int
		credits int
		wg      sync.WaitGroup
	)
	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			local := make(map[string][]time.Duration, len(mix))
			var localErrs, localCredits int
			for i := 0; i < cfg.OpsPerWorker; i++ {
				if ctx.Err() != nil {
					break
				}
				o := mix[(worker+i)%len(mix)]
				t0 := time.Now()
				err := o.run(ctx, store, worker, i)
				local[o.name] = append(local[o.name], time.Since(t0))
				switch {
				case err != nil:
					localErrs++
					logger.Printf("worker %d %s: %v", worker, o.name, err)
				case o.name == "addGold":
					localCredits++
				}
			}
			mu.Lock()
			defer mu.Unlock()
			for name, d := range local {
				samples[name] = append(samples[name], d...)
			}
			errs += localErrs
			credits += localCredits
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)
	store.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		Backend:  cfg.Backend,
		Workers:  cfg.Workers,
		Duration: elapsed,
		Errors:   errs,
		ByOp:     make(map[string]LatencyStats, len(samples)),
		ServedBy: store.Backend(ctx),
	}
	var all []time.Duration
	for name, d := range samples {
		res.ByOp[name] = computeLatencyStats(d)
		all = append(all, d...)
	}
	res.Latency = computeLatencyStats(all)
	if elapsed > 0 {
		res.Throughput = float64(len(all)) / elapsed.Seconds()
	}

	after, err := store.GetPlayerProfile(ctx)
	if err != nil {
		return res, err
	}
	if got, want := after.Gold-before.Gold, credits; got != want {
		return res, fmt.Errorf("%w: gold rose by %d after %d credits", ErrInconsistent, got, want)
	}
	return res, nil
}

func openStore(dir string, backend Backend, logger *log.Logger) (*storage.Store, func(), error) {
	flat, err := flatstore.Open(filepath.Join(dir, "flat"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open flat store: %w", err)
	}
	cfg := storage.Config{Flat: flat, Logger: logger}

	var d *db.DB
	if backend == Primary {
		d, err = db.Open(filepath.Join(dir, "leveling.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		cfg.DB = d
		cfg.Log = oplog.New(d)
	}

	store, err := storage.New(cfg)
	if err != nil {
		if d != nil {
			_ = d.Close()
		}
		return nil, nil, err
	}
	return store, func() {
		_ = store.Close()
		if d != nil {
			_ = d.Close()
		}
	}, nil
}

// seed writes a catalog of n common tasks.
func seed(ctx context.Context, s *storage.Store, n int) error {
	tasks := make([]types.Task, n)
	for i := range tasks {
		tasks[i] = types.Task{
			ID:       taskID(i),
			Title:    fmt.Sprintf("Benchmark task %d", i),
			Kind:     types.TaskCommon,
			XPReward: 10,
		}
	}
	if err := s.SaveTasks(ctx, tasks); err != nil {
		return fmt.Errorf("failed to seed tasks: %w", err)
	}
	return nil
}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Comparison holds a primary run and a flat run with the same load.
type Comparison struct {
	Primary *Result `json:"primary"`
	Flat    *Result `json:"flat"`

	// Speedup is flat mean latency over primary mean latency; above 1 the
	// primary store is faster.
	Speedup float64 `json:"speedup"`
}

// Compare runs the same load against both backends.
func Compare(ctx context.Context, cfg Config) (*Comparison, error) {
	cfg.Dir = ""
	cfg.Backend = Primary
	p, err := Run(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("primary run failed: %w", err)
	}
	cfg.Backend = Flat
	f, err := Run(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("flat run failed: %w", err)
	}
	c := &Comparison{Primary: p, Flat: f}
	if p.Latency.Mean > 0 {
		c.Speedup = float64(f.Latency.Mean) / float64(p.Latency.Mean)
	}
	return c, nil
}
