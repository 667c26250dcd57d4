package cloudsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leveling/leveling/internal/events"
)

// DefaultInterval is the auto-sync period.
const DefaultInterval = 30 * time.Second

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Interval between scheduled cycles. Defaults to DefaultInterval.
	Interval time.Duration

	// Bus receives a syncCompleted event after every cycle that ran.
	Bus *events.Bus
}

// Runner syncs on start, on a fixed interval and when the application
// resumes. Triggers that arrive while a cycle runs are dropped. Failures are
// logged, never returned.
type Runner struct {
	engine   *Engine
	interval time.Duration
	bus      *events.Bus

	resume chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner for engine.
func NewRunner(engine *Engine, cfg RunnerConfig) *Runner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		engine:   engine,
		interval: interval,
		bus:      cfg.Bus,
		resume:   make(chan struct{}, 1),
	}
}

// Start launches the sync loop and returns. It is a no-op when the engine is
// not configured or the loop is already running.
func (r *Runner) Start(ctx context.Context) {
	if !r.engine.Configured() {
		r.engine.logger.Printf("auto-sync disabled: %s", ReasonNotConfigured)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.engine.logger.Printf("auto-sync every %s", r.interval)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

// TriggerResume requests an ad hoc cycle, as on return from background. It
// never blocks; a request made while one is pending is merged into it.
func (r *Runner) TriggerResume() {
	select {
	case r.resume <- struct{}{}:
	default:
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.cycle(ctx, "start")
	r.dropPending(ticker)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx, "timer")
		case <-r.resume:
			r.cycle(ctx, "resume")
		}
		r.dropPending(ticker)
	}
}

// dropPending discards triggers that fired while a cycle ran.
func (r *Runner) dropPending(ticker *time.Ticker) {
	for {
		select {
		case <-r.resume:
			r.engine.logger.Printf("resume sync dropped: %s", ReasonInProgress)
		case <-ticker.C:
			r.engine.logger.Printf("timer sync dropped: %s", ReasonInProgress)
		default:
			return
		}
	}
}

func (r *Runner) cycle(ctx context.Context, trigger string) {
	res := r.engine.Sync(ctx)
	if errors.Is(res.Err, ErrSyncInProgress) {
		r.engine.logger.Printf("%s sync dropped: %s", trigger, ReasonInProgress)
		return
	}
	if res.Skipped {
		return
	}
	if !res.Success {
		r.engine.logger.Printf("Warning: %s sync incomplete: %v", trigger, res.Err)
	}
	if r.bus != nil {
		r.bus.Emit(events.SyncCompleted, res)
	}
}
