package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/vonshlovens/cloudsync/internal/config"
	"github.com/vonshlovens/cloudsync/internal/db"
	"github.com/vonshlovens/cloudsync/internal/remote"
	"github.com/vonshlovens/cloudsync/internal/sync"
	"github.com/vonshlovens/cloudsync/internal/transfer"
)

// app is the composition root: it owns every long-lived component
type app struct {
	cfg        *config.Config
	db         *db.DB
	remotes    *remote.Registry
	dispatcher *transfer.Dispatcher
	engine     *sync.Engine
	prefs      *sync.Preferences
}

// newApp wires the components from the config file. progress receives
// progress bars; nil disables them.
func newApp(ctx context.Context, progress io.Writer) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	prefs, err := sync.LoadPreferences(cfg.Sync.PreferLocalOnConflict)
	if err != nil {
		database.Close()
		return nil, err
	}

	logger := slog.Default()
	registry := remote.NewRegistry(remote.ConfigFactory(cfg, logger))

	dispatcher := transfer.NewDispatcher(database, func(account string) (transfer.Remote, error) {
		c, err := registry.Get(account)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, transfer.Options{
		Workers:            cfg.Sync.TransferWorkers,
		ChunkSize:          cfg.Sync.ChunkSize(),
		TusThreshold:       cfg.Sync.TusThreshold(),
		CreationWithUpload: cfg.Sync.CreationWithUpload,
		Logger:             logger,
	})

	engine := sync.NewEngine(cfg, database, func(account string) (sync.Remote, error) {
		c, err := registry.Get(account)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, dispatcher, prefs, sync.Options{
		Workers:  cfg.Sync.ReconcileWorkers,
		Progress: progress,
		Logger:   logger,
	})

	return &app{
		cfg:        cfg,
		db:         database,
		remotes:    registry,
		dispatcher: dispatcher,
		engine:     engine,
		prefs:      prefs,
	}, nil
}

// Close interrupts running transfers, leaving them queued for a later resume
func (a *app) Close() {
	a.dispatcher.Close()
	a.remotes.Close()
	if err := a.prefs.Save(); err != nil {
		slog.Warn("failed to save preferences", "error", err)
	}
	a.db.Close()
}

// accounts returns the named account, or all of them when name is empty
func (a *app) accounts(name string) ([]config.AccountConfig, error) {
	if name == "" {
		return a.cfg.Accounts, nil
	}
	acc, err := a.cfg.Account(name)
	if err != nil {
		return nil, err
	}
	return []config.AccountConfig{*acc}, nil
}

// wait blocks until every queued transfer finished or ctx is done
func (a *app) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.dispatcher.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// openDB loads the config and connects to the database only
func openDB(ctx context.Context) (*config.Config, *db.DB, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, database, nil
}

// transferBars renders one byte progress bar per running transfer and tallies outcomes
type transferBars struct {
	mu     gosync.Mutex
	out    io.Writer
	bars   map[uuid.UUID]*progressbar.ProgressBar
	counts map[db.TransferStatus]int
}

func newTransferBars(out io.Writer) *transferBars {
	return &transferBars{
		out:    out,
		bars:   make(map[uuid.UUID]*progressbar.ProgressBar),
		counts: make(map[db.TransferStatus]int),
	}
}

func (b *transferBars) observe(e transfer.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Status {
	case db.StatusSucceeded, db.StatusFailed, db.StatusCancelled:
		if bar, ok := b.bars[e.JobID]; ok {
			bar.Finish()
			delete(b.bars, e.JobID)
		}
		b.counts[e.Status]++
		if e.Err != nil {
			fmt.Fprintf(b.out, "%s %s: %v\n", e.Kind, filepath.Base(e.Path), e.Err)
		}
		return
	case db.StatusQueued:
		// interrupted by shutdown
		delete(b.bars, e.JobID)
		return
	}

	if e.Sent == 0 && e.Total == 0 {
		return
	}
	bar, ok := b.bars[e.JobID]
	if !ok {
		total := e.Total
		if total <= 0 {
			total = -1
		}
		bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(b.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", e.Kind, filepath.Base(e.Path))),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionClearOnFinish(),
		)
		b.bars[e.JobID] = bar
	}
	bar.Set64(e.Sent)
}

func (b *transferBars) summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("%d succeeded, %d failed, %d cancelled",
		b.counts[db.StatusSucceeded], b.counts[db.StatusFailed], b.counts[db.StatusCancelled])
}

// progressOut is where progress bars go; they stay off when stderr is not a terminal
func progressOut() io.Writer {
	if info, err := os.Stderr.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		return os.Stderr
	}
	return io.Discard
}
