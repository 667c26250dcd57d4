package main

import (
	"context"
	"fmt"
	"log"

	"github.com/leveling/leveling/internal/cloudsync"
	"github.com/leveling/leveling/internal/config"
	"github.com/leveling/leveling/internal/conflict"
	"github.com/leveling/leveling/internal/db"
	"github.com/leveling/leveling/internal/events"
	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/logging"
	"github.com/leveling/leveling/internal/oplog"
	"github.com/leveling/leveling/internal/progress"
	"github.com/leveling/leveling/internal/remote"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	logger *log.Logger

	db       *db.DB
	flat     *flatstore.Store
	oplog    *oplog.Log
	store    *storage.Store
	progress *progress.Engine
	bus      *events.Bus
	remote   remote.Remote
	sync     *cloudsync.Engine
	detector *conflict.Detector
}

// openApp wires the store stack from cfg. A durable store that cannot be
// opened is not fatal: the store runs on the flat files alone.
func openApp(ctx context.Context, cfg *config.Config, base *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logging.For(base, "lvl"), bus: events.NewBus()}

	flat, err := flatstore.Open(cfg.FlatDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open flat store: %w", err)
	}
	a.flat = flat

	d, err := db.OpenContext(ctx, cfg.DBPath())
	if err != nil {
		a.logger.Printf("Warning: durable store unavailable, using flat store: %v", err)
	} else {
		a.db = d
		a.oplog = oplog.New(d)
	}

	store, err := storage.New(storage.Config{
		DB:     a.db,
		Flat:   flat,
		Log:    a.oplog,
		Logger: logging.For(base, "store"),
		OnTitlesAwarded: func(titles []types.Title) {
			a.bus.Emit(events.TitleChanged, titles)
		},
	})
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.store = store
	a.progress = progress.New(store, logging.For(base, "progress"))

	if cfg.SyncConfigured() {
		client, err := remote.NewClient(remote.ClientConfig{
			BaseURL: cfg.Sync.URL,
			Token:   cfg.Sync.Token,
			Timeout: cfg.Sync.Timeout,
		})
		if err != nil {
			a.logger.Printf("Warning: sync disabled: %v", err)
		} else {
			a.remote = client
		}
	}
	// A nil remote leaves the engine unconfigured; every call is skipped.
	userID := cfg.Sync.UserID
	if a.remote == nil {
		userID = ""
	}
	a.sync = cloudsync.New(cloudsync.Config{
		Store:  store,
		Log:    a.oplog,
		Remote: a.remote,
		UserID: userID,
		Logger: logging.For(base, "sync"),
	})
	a.detector = conflict.NewDetector(store, a.remote, userID)
	return a, nil
}

// Close waits for background title checks, then releases the stores.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Printf("Warning: %v", err)
	}
	a.closeDB()
}

func (a *app) closeDB() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// withApp runs fn with a freshly wired app.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx, cfg, baseLogger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
