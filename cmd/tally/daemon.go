package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tallybook/tally/internal/broadcast"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/store"
	"github.com/tallybook/tally/internal/syncer"
	"github.com/tallybook/tally/internal/ui"
	"go.uber.org/zap"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "session",
	Short:   "Keep the local store in sync in the background",
	Long: `Run the sync engine until interrupted.

Local changes, including those made by other tally commands, are uploaded
after a quiet period of debounce_interval. Remote changes are downloaded
every sync_interval. Sync events are published on a websocket at
broadcast_addr; 'tally watch' prints them.

Signing in or out from another terminal starts or stops syncing here.`,
	Run: func(cmd *cobra.Command, args []string) {
		server := broadcast.NewServer(&broadcast.Config{Addr: cfg.BroadcastAddr, Logger: logger})
		if err := server.Start(); err != nil {
			fatalf("failed to start broadcast server: %v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, server)
		if err != nil {
			_ = server.Stop()
			fatalf("%v", err)
		}

		watcher, err := store.NewExternalWatcher(a.store, 0)
		if err != nil {
			a.Close()
			_ = server.Stop()
			fatalf("%v", err)
		}
		if err := watcher.Start(ctx); err != nil {
			a.Close()
			_ = server.Stop()
			fatalf("failed to watch store: %v", err)
		}
		go func() {
			for err := range watcher.Errors() {
				logger.Warn("store watcher", zap.Error(err))
			}
		}()

		unsubscribe := a.store.Subscribe(func(c store.Change) {
			if c.Source != store.SourceExternal {
				return
			}
			switch {
			case c.Key == ledger.KeyToken || c.Key == ledger.KeyAccount:
				authChangedElsewhere(ctx, a)
			case ledger.IsDataKey(c.Key):
				a.notifier.DataChanged([]string{c.Key}, false)
			}
		})

		fmt.Printf("%s Sync daemon started\n", ui.RenderPass("✓"))
		fmt.Printf("   Store:     %s\n", a.store.Path())
		fmt.Printf("   Service:   %s\n", cfg.ServerURL)
		fmt.Printf("   Events:    ws://%s/ws\n", server.Addr())

		if err := a.engine.Resume(ctx); errors.Is(err, syncer.ErrNotAuthenticated) {
			fmt.Printf("%s Not signed in; waiting for 'tally login'\n", ui.RenderWarn("⚠"))
		} else if err != nil {
			logger.Error("failed to start sync", zap.Error(err))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down sync daemon...")
		unsubscribe()
		_ = watcher.Stop()
		a.Close()
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "%s error during shutdown: %v\n", ui.RenderWarn("⚠"), err)
		}
		fmt.Println("Sync daemon stopped")
	},
}

// authChangedElsewhere follows a login or logout done by another process.
func authChangedElsewhere(ctx context.Context, a *app) {
	cred, ok, err := a.ledger.Credential(ctx)
	if err != nil {
		logger.Warn("failed to read credential", zap.Error(err))
		return
	}
	if !ok {
		if a.engine.Running() {
			logger.Info("signed out elsewhere, stopping sync")
			a.engine.Stop()
			a.notifier.AuthChanged(false, "")
		}
		return
	}
	if a.engine.Running() {
		return
	}
	logger.Info("signed in elsewhere, starting sync", zap.String("account", cred.Account))
	if err := a.engine.Resume(ctx); err != nil {
		logger.Warn("failed to start sync", zap.Error(err))
		return
	}
	a.notifier.AuthChanged(true, cred.Account)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
