// Package cloudsync reconciles local state with the user's cloud save.
//
// A sync cycle pulls first, then pushes. Pull adopts the remote snapshot
// only when it is strictly newer than the last local change; push uploads
// the full local snapshot plus the unsynced outbox. At most one cycle runs at
// a time: a request made while one is in flight is rejected, not queued.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/leveling/leveling/internal/oplog"
	"github.com/leveling/leveling/internal/remote"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

// ErrSyncInProgress is returned when a sync is requested while another is
// running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Skip reasons.
const (
	ReasonNotConfigured = "not configured"
	ReasonInProgress    = "already syncing"
)

// Action tells what a step did with local state.
type Action string

const (
	// ActionNone: the remote had no save.
	ActionNone Action = "none"
	// ActionCloud: the remote snapshot replaced local state.
	ActionCloud Action = "cloud"
	// ActionLocal: local state was kept.
	ActionLocal Action = "local"
	// ActionPushed: local state was uploaded.
	ActionPushed Action = "pushed"
)

// StepResult is the outcome of one pull or push.
type StepResult struct {
	Success bool   `json:"success"`
	Action  Action `json:"action,omitempty"`
	Error   error  `json:"-"`

	// Imported counts remote mutations added to the local outbox.
	Imported int `json:"imported,omitempty"`

	// Pushed counts outbox entries uploaded.
	Pushed int `json:"pushed,omitempty"`
}

func failed(err error) StepResult {
	return StepResult{Error: err}
}

// Result is the outcome of a sync cycle.
type Result struct {
	Success bool       `json:"success"`
	Skipped bool       `json:"skipped,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Pull    StepResult `json:"fromCloud"`
	Push    StepResult `json:"toCloud"`

	// Err is ErrSyncInProgress or remote.ErrNotConfigured for skipped
	// cycles, otherwise the joined step errors.
	Err error `json:"-"`
}

// Config configures an Engine.
type Config struct {
	Store  *storage.Store
	Log    *oplog.Log
	Remote remote.Remote
	UserID string

	// Logger defaults to stderr with a [sync] prefix.
	Logger *log.Logger
}

// Engine runs sync cycles against one remote for one user.
type Engine struct {
	store  *storage.Store
	oplog  *oplog.Log
	remote remote.Remote
	userID string
	logger *log.Logger

	inFlight atomic.Bool
}

// New creates an engine. Without a remote or user id every call is
// skipped with ReasonNotConfigured.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:  cfg.Store,
		oplog:  cfg.Log,
		remote: cfg.Remote,
		userID: cfg.UserID,
		logger: logger,
	}
}

// Configured reports whether the engine has a remote and a user.
func (e *Engine) Configured() bool {
	return e.remote != nil && e.userID != ""
}

// Syncing reports whether a cycle is in flight.
func (e *Engine) Syncing() bool {
	return e.inFlight.Load()
}

// Sync runs one cycle: pull, then push regardless of the pull outcome.
func (e *Engine) Sync(ctx context.Context) Result {
	if !e.Configured() {
		return Result{Skipped: true, Reason: ReasonNotConfigured, Err: remote.ErrNotConfigured}
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return Result{Skipped: true, Reason: ReasonInProgress, Err: ErrSyncInProgress}
	}
	defer e.inFlight.Store(false)

	res := Result{Pull: e.pull(ctx), Push: e.push(ctx)}
	res.Success = res.Pull.Success && res.Push.Success
	res.Err = errors.Join(res.Pull.Error, res.Push.Error)
	return res
}

// Pull runs only the pull step.
func (e *Engine) Pull(ctx context.Context) StepResult {
	return e.guarded(e.pull)(ctx)
}

// Push runs only the push step.
func (e *Engine) Push(ctx context.Context) StepResult {
	return e.guarded(e.push)(ctx)
}

func (e *Engine) guarded(step func(context.Context) StepResult) func(context.Context) StepResult {
	return func(ctx context.Context) StepResult {
		if !e.Configured() {
			return failed(remote.ErrNotConfigured)
		}
		if !e.inFlight.CompareAndSwap(false, true) {
			return failed(ErrSyncInProgress)
		}
		defer e.inFlight.Store(false)
		return step(ctx)
	}
}

func (e *Engine) pull(ctx context.Context) StepResult {
	rec, err := e.remote.Fetch(ctx, e.userID)
	if errors.Is(err, remote.ErrNotFound) {
		return StepResult{Success: true, Action: ActionNone}
	}
	if err != nil {
		e.logger.Printf("Warning: pull failed: %v", err)
		return failed(fmt.Errorf("failed to fetch cloud save: %w", err))
	}
	if rec.SaveData == nil || len(rec.SaveData.Data) == 0 {
		return StepResult{Success: true, Action: ActionNone}
	}

	local, err := e.store.LocalUpdatedAt()
	if err != nil {
		return failed(err)
	}

	res := StepResult{Success: true, Action: ActionLocal}
	remoteAt := rec.SaveData.UpdatedAt
	if remoteAt != nil && (local == nil || remoteAt.After(*local)) {
		if err := e.store.ImportSnapshot(ctx, rec.SaveData); err != nil {
			return failed(fmt.Errorf("failed to apply cloud save: %w", err))
		}
		if err := e.store.RecordRestore(rec.LastModified); err != nil {
			e.logger.Printf("Warning: %v", err)
		}
		res.Action = ActionCloud
		e.logger.Printf("cloud save from %s applied", remoteAt.Format("2006-01-02 15:04:05"))
	}

	res.Imported = e.importMutations(ctx, rec.Mutations)
	return res
}

// importMutations replays unsynced remote mutations into the outbox,
// skipping ids already known or already pruned here.
func (e *Engine) importMutations(ctx context.Context, muts []types.Mutation) int {
	if e.oplog == nil {
		return 0
	}
	var n int
	for _, m := range muts {
		if m.Synced {
			continue
		}
		added, err := e.oplog.Import(ctx, m)
		if err != nil {
			e.logger.Printf("Warning: failed to import mutation %s: %v", m.ID, err)
			continue
		}
		if added {
			n++
		}
	}
	return n
}

func (e *Engine) push(ctx context.Context) StepResult {
	stored, pushed, err := e.upload(ctx)
	if err != nil {
		e.logger.Printf("Warning: push failed: %v", err)
		return failed(err)
	}
	e.afterPush(ctx, stored)
	return StepResult{Success: true, Action: ActionPushed, Pushed: pushed}
}

// upload sends the local snapshot and unsynced outbox and marks the
// included entries synced once the remote accepted them. Entries travel
// unsynced so other devices replay them; ids this device already pruned are
// never imported back.
func (e *Engine) upload(ctx context.Context) (*remote.SaveRecord, int, error) {
	snap, err := e.store.ExportSnapshot(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to export local state: %w", err)
	}
	md, err := e.store.SyncMetadata(ctx)
	if err != nil {
		return nil, 0, err
	}

	var pending []types.Mutation
	if e.oplog != nil {
		if pending, err = e.oplog.ListUnsynced(ctx); err != nil {
			e.logger.Printf("Warning: failed to read outbox, pushing state only: %v", err)
			pending = nil
		}
	}
	outgoing := make([]types.Mutation, len(pending))
	ids := make([]string, len(pending))
	for i, m := range pending {
		outgoing[i] = m
		ids[i] = m.ID
	}

	stored, err := e.remote.Upsert(ctx, &remote.SaveRecord{
		UserID:    e.userID,
		SaveData:  snap,
		LastSave:  md.LastLocalSaveAt,
		Mutations: outgoing,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to upload save: %w", err)
	}

	if len(ids) > 0 {
		if err := e.oplog.MarkSynced(ctx, ids...); err != nil {
			e.logger.Printf("Warning: failed to mark %d mutations synced: %v", len(ids), err)
		}
	}
	return stored, len(ids), nil
}

// afterPush records the push time and collects synced outbox entries. A
// device that restored before is treated as having seen its own push.
func (e *Engine) afterPush(ctx context.Context, stored *remote.SaveRecord) {
	at := stored.LastModified
	if err := e.store.RecordSave(at); err != nil {
		e.logger.Printf("Warning: %v", err)
	}
	if md, err := e.store.SyncMetadata(ctx); err == nil && md.LastLocalRestoreAt != nil {
		if err := e.store.RecordRestore(at); err != nil {
			e.logger.Printf("Warning: %v", err)
		}
	}
	if e.oplog == nil {
		return
	}
	if n, err := e.oplog.PruneSynced(ctx); err != nil {
		e.logger.Printf("Warning: failed to prune outbox: %v", err)
	} else if n > 0 {
		e.logger.Printf("pruned %d synced mutations", n)
	}
}

// Restore replaces local state with the cloud save unconditionally.
func (e *Engine) Restore(ctx context.Context) (*remote.SaveRecord, error) {
	if !e.Configured() {
		return nil, remote.ErrNotConfigured
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.inFlight.Store(false)

	rec, err := e.remote.Fetch(ctx, e.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cloud save: %w", err)
	}
	if rec.SaveData == nil {
		return nil, fmt.Errorf("cloud save is empty: %w", remote.ErrNotFound)
	}
	if err := e.store.ImportSnapshot(ctx, rec.SaveData); err != nil {
		return nil, fmt.Errorf("failed to apply cloud save: %w", err)
	}
	e.importMutations(ctx, rec.Mutations)
	if err := e.store.RecordRestore(rec.LastModified); err != nil {
		return rec, err
	}
	e.logger.Printf("restored cloud save from %s", rec.LastModified.Format("2006-01-02 15:04:05"))
	return rec, nil
}

// Overwrite replaces the cloud save with local state unconditionally.
func (e *Engine) Overwrite(ctx context.Context) (*remote.SaveRecord, error) {
	if !e.Configured() {
		return nil, remote.ErrNotConfigured
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.inFlight.Store(false)

	stored, _, err := e.upload(ctx)
	if err != nil {
		return nil, err
	}
	e.afterPush(ctx, stored)
	return stored, nil
}
