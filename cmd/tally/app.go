package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tallybook/tally/internal/broadcast"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/prompt"
	"github.com/tallybook/tally/internal/remote"
	"github.com/tallybook/tally/internal/store"
	"github.com/tallybook/tally/internal/syncer"
	"github.com/tallybook/tally/internal/ui"
)

// app bundles what most commands need.
type app struct {
	store    *store.Store
	ledger   *ledger.Ledger
	notifier *broadcast.Notifier
	engine   *syncer.Engine
}

// openApp opens the local store and builds the sync engine. Engine events
// go to out, which may be nil.
func openApp(ctx context.Context, out broadcast.Broadcaster) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	st, err := store.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}
	led := ledger.New(st, logger)

	client, err := remote.NewHTTPClient(cfg.ServerURL, remote.HTTPOptions{
		Timeout:       cfg.RequestTimeout,
		RetryAttempts: cfg.RetryAttempts,
		Logger:        logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	fallback, err := syncer.ParseDecision(cfg.ConflictDefault)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	notifier := broadcast.NewNotifier(out, logger)
	eng, err := syncer.New(st, led, client, syncer.Options{
		Config: &syncer.Config{
			DebounceInterval: cfg.DebounceInterval,
			SyncInterval:     cfg.SyncInterval,
			RequestTimeout:   cfg.RequestTimeout,
		},
		Notifier:     notifier,
		Resolver:     &prompt.ConflictResolver{Fallback: fallback, Logger: logger},
		OnRelinquish: relinquished,
		Logger:       logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{store: st, ledger: led, notifier: notifier, engine: eng}, nil
}

// mustOpenApp is openApp for commands that cannot continue without it.
func mustOpenApp(ctx context.Context, out broadcast.Broadcaster) *app {
	a, err := openApp(ctx, out)
	if err != nil {
		fatalf("%v", err)
	}
	return a
}

func (a *app) Close() {
	a.engine.Stop()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), err)
	}
}

func relinquished() {
	fmt.Fprintf(os.Stderr, "\n%s Another device now owns this account; this device was signed out.\n", ui.RenderWarn("⚠"))
	fmt.Fprintf(os.Stderr, "   Run 'tally login' to sign in again.\n")
}
