package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tallybook/tally/internal/remote/devserver"
	"github.com/tallybook/tally/internal/ui"
	"go.uber.org/zap"
)

var devserverCmd = &cobra.Command{
	Use:     "devserver",
	GroupID: "advanced",
	Short:   "Run an in-memory sync service for local testing",
	Long: `Run an in-memory sync service. State is lost when the server stops.

Tokens are signed with --secret (or TALLY_DEVSERVER_SECRET). --token-for
prints a ready-to-use token for an account at startup; clients can also
POST /token with {"account": "..."}.

Example:
  tally devserver --token-for alice
  tally login --token <printed token>`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		secret, _ := cmd.Flags().GetString("secret")
		tokenFor, _ := cmd.Flags().GetStringSlice("token-for")

		if secret == "" {
			secret = os.Getenv("TALLY_DEVSERVER_SECRET")
		}
		if secret == "" {
			secret = uuid.NewString()
		}

		srv, err := devserver.New(devserver.Options{Secret: secret, Logger: logger})
		if err != nil {
			fatalf("%v", err)
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			fatalf("failed to listen on %s: %v", addr, err)
		}
		httpServer := &http.Server{
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		fmt.Printf("%s Sync service listening on http://%s\n", ui.RenderPass("✓"), ln.Addr())
		for _, account := range tokenFor {
			token, err := srv.IssueToken(account)
			if err != nil {
				fatalf("failed to issue token: %v", err)
			}
			fmt.Printf("   Token for %s: %s\n", ui.RenderBold(account), token)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			logger.Error("sync service failed", zap.Error(err))
			fatalf("%v", err)
		}

		fmt.Println("\nShutting down sync service...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fatalf("error during shutdown: %v", err)
		}
		fmt.Println("Sync service stopped")
	},
}

func init() {
	devserverCmd.Flags().String("addr", "127.0.0.1:7410", "Address to listen on")
	devserverCmd.Flags().String("secret", "", "Token signing secret (default: random)")
	devserverCmd.Flags().StringSlice("token-for", nil, "Print a token for these accounts at startup")

	rootCmd.AddCommand(devserverCmd)
}
