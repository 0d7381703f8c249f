package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tallybook/tally/internal/broadcast"
	"github.com/tallybook/tally/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "advanced",
	Short:   "Print sync events from a running daemon",
	Long: `Connect to the event stream of 'tally daemon' and print each event. With
--json, events are printed as received, one per line.`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		enc := json.NewEncoder(os.Stdout)
		err := broadcast.Listen(ctx, cfg.BroadcastAddr, func(msg broadcast.Message) {
			if jsonOut {
				_ = enc.Encode(msg)
				return
			}
			fmt.Println(describe(msg))
		})
		if err != nil {
			fatalf("%v (is 'tally daemon' running?)", err)
		}
	},
}

// describe renders msg as one human-readable line.
func describe(msg broadcast.Message) string {
	at := ui.RenderMuted(msg.Timestamp.Local().Format("15:04:05"))

	switch msg.Type {
	case broadcast.MessageTypeHello:
		return fmt.Sprintf("%s %s connected", at, ui.RenderPass("●"))

	case broadcast.MessageTypeDataChanged:
		var d broadcast.DataChangedData
		_ = json.Unmarshal(msg.Data, &d)
		kind := "changed"
		if d.Full {
			kind = "replaced"
		}
		return fmt.Sprintf("%s %s data %s: %v", at, ui.RenderAccent("↓"), kind, d.Keys)

	case broadcast.MessageTypeDataReloaded:
		return fmt.Sprintf("%s %s data reloaded from the service", at, ui.RenderAccent("↓"))

	case broadcast.MessageTypeAuthChanged:
		var d broadcast.AuthChangedData
		_ = json.Unmarshal(msg.Data, &d)
		if d.Authenticated {
			return fmt.Sprintf("%s %s signed in as %s", at, ui.RenderPass("✓"), d.Account)
		}
		return fmt.Sprintf("%s %s signed out", at, ui.RenderMuted("○"))

	case broadcast.MessageTypeLogout:
		return fmt.Sprintf("%s %s session closed", at, ui.RenderMuted("○"))

	case broadcast.MessageTypeSyncComplete:
		var d broadcast.SyncCompleteData
		_ = json.Unmarshal(msg.Data, &d)
		return fmt.Sprintf("%s %s %s sync complete in %v", at, ui.RenderPass("✓"), d.Trigger,
			d.Duration.Round(time.Millisecond))

	case broadcast.MessageTypeSyncFailed:
		var d broadcast.SyncFailedData
		_ = json.Unmarshal(msg.Data, &d)
		return fmt.Sprintf("%s %s %s failed: %s", at, ui.RenderFail("✗"), d.Op, d.Error)

	case broadcast.MessageTypeConflict:
		var d broadcast.ConflictData
		_ = json.Unmarshal(msg.Data, &d)
		return fmt.Sprintf("%s %s account in use elsewhere, decision: %s", at, ui.RenderWarn("⚠"), d.Decision)

	default:
		return fmt.Sprintf("%s %s", at, msg.Type)
	}
}

func init() {
	watchCmd.Flags().Bool("json", false, "Print raw events")

	rootCmd.AddCommand(watchCmd)
}
