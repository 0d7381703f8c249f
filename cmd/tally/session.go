package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/remote"
	"github.com/tallybook/tally/internal/syncer"
	"github.com/tallybook/tally/internal/ui"
	"gopkg.in/yaml.v3"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "session",
	Short:   "Sign in to the sync service",
	Long: `Store a credential and reconcile with the sync service.

The token may come from --token or TALLY_TOKEN. The account defaults to the
token's subject claim. After storing the credential, login downloads
everything the service holds for the account. A collection the service
already holds replaces the local one, including records created here while
signed out. Local collections the service does not hold are uploaded by the
first sync pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		token, _ := cmd.Flags().GetString("token")
		account, _ := cmd.Flags().GetString("account")

		if token == "" {
			token = os.Getenv("TALLY_TOKEN")
		}
		if token == "" {
			fatalf("a token is required (--token or TALLY_TOKEN)")
		}
		if account == "" {
			sub, err := remote.AccountFromToken(token)
			if err != nil {
				fatalf("cannot derive the account from the token, pass --account: %v", err)
			}
			account = sub
		}

		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		if st, err := a.ledger.Status(ctx); err == nil {
			if msg := localRecordsWarning(st); msg != "" {
				fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), msg)
			}
		}

		fmt.Printf("%s Signing in as %s...\n", ui.RenderAccent("→"), account)
		err := a.engine.Login(ctx, ledger.Credential{Token: token, Account: account})
		if errors.Is(err, remote.ErrSessionConflict) {
			return
		}
		if err != nil {
			a.Close()
			fatalf("login failed: %v", err)
		}

		last, _ := a.ledger.LastSync(ctx)
		if last == 0 {
			fmt.Printf("%s Signed in; the service could not be reached yet, sync will retry\n", ui.RenderWarn("⚠"))
			return
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), account)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Sign out and remove synced data from this device",
	Long: `Sign out of the sync service.

A last upload and a session close are attempted; both may fail without
blocking logout. Every record, the budget, the credential and the sync
bookkeeping are then removed from the local store. The deletion history is
kept; see 'tally history'.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		if err := a.engine.Logout(ctx); err != nil {
			a.Close()
			fatalf("logout incomplete: %v", err)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "session",
	Short:   "Upload local changes and download remote ones",
	Long: `Run one sync pass now: upload the local state, then download what changed
remotely since the last sync. With --full, everything is downloaded and
replaces the local collections the service returns.`,
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")

		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		start := time.Now()
		var err error
		if full {
			if err = a.engine.Upload(ctx); err == nil {
				err = a.engine.FullDownload(ctx)
			}
		} else {
			err = a.engine.SyncNow(ctx)
		}

		switch {
		case err == nil:
		case errors.Is(err, syncer.ErrNotAuthenticated):
			a.Close()
			fatalf("not signed in; run 'tally login' first")
		case errors.Is(err, remote.ErrSessionConflict):
			// Already resolved and reported.
			return
		default:
			a.Close()
			fatalf("sync failed: %v", err)
		}

		last, _ := a.ledger.LastSync(ctx)
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Last sync: %s\n", formatMillis(last))
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "session",
	Short:   "Show sign-in and sync state",
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		st, err := a.ledger.Status(ctx)
		if err != nil {
			a.Close()
			fatalf("%v", err)
		}
		if err := writeStatus(os.Stdout, st, output, cfg.Currency); err != nil {
			a.Close()
			fatalf("%v", err)
		}
	},
}

// localRecordsWarning explains what login does to records written while
// signed out. It is empty when there is nothing to lose.
func localRecordsWarning(st ledger.Status) string {
	if st.Authenticated {
		return ""
	}
	n := 0
	for _, count := range st.Records {
		n += count
	}
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%d local record(s); collections the service already holds will replace them", n)
}

// writeStatus renders st as text, json or yaml.
func writeStatus(w io.Writer, st ledger.Status, format, currency string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(st); err != nil {
			return err
		}
		return enc.Close()

	case "", "text":
		if st.Authenticated {
			fmt.Fprintf(w, "%s Signed in as %s\n", ui.RenderPass("●"), ui.RenderBold(st.Account))
		} else {
			fmt.Fprintf(w, "%s Not signed in (local only)\n", ui.RenderMuted("○"))
		}
		if st.SessionID != "" {
			fmt.Fprintf(w, "   Session:    %s\n", st.SessionID)
		}
		fmt.Fprintf(w, "   Last sync:  %s\n", formatMillis(st.LastSync))
		fmt.Fprintf(w, "   Records:\n")
		for _, c := range ledger.Collections {
			fmt.Fprintf(w, "     %-14s %d\n", c, st.Records[string(c)])
		}
		fmt.Fprintf(w, "   Deletions:  %d\n", st.Tombstones)
		if st.Budget != "" {
			amount, err := decimal.NewFromString(st.Budget)
			if err == nil {
				fmt.Fprintf(w, "   Budget:     %s\n", ledger.FormatAmount(amount, currency))
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// formatMillis renders an epoch millisecond timestamp for humans.
func formatMillis(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	t := time.UnixMilli(ms)
	ago := time.Since(t).Round(time.Second)
	if ago < 0 {
		return t.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf("%s (%s ago)", t.Format("2006-01-02 15:04:05"), ago)
}

func init() {
	loginCmd.Flags().String("token", "", "Bearer token for the sync service")
	loginCmd.Flags().String("account", "", "Account id (default: the token's subject)")

	syncCmd.Flags().Bool("full", false, "Download everything instead of changes since the last sync")

	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(loginCmd, logoutCmd, syncCmd, statusCmd)
}
