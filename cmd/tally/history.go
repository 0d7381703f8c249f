package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/prompt"
	"github.com/tallybook/tally/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "advanced",
	Short:   "Inspect or clear the deletion history",
	Long: `Every deleted record id is remembered and sent with each upload so other
devices drop it too. The history survives logout.`,
}

var historyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List remembered deletions",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		tombs, err := a.ledger.Tombstones(ctx)
		if err != nil {
			a.Close()
			fatalf("%v", err)
		}
		if ledger.TombstoneCount(tombs) == 0 {
			fmt.Println("No deletions recorded")
			return
		}

		names := make([]string, 0, len(tombs))
		for name := range tombs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s (%d)\n", ui.RenderBold(name), len(tombs[name]))
			for _, id := range tombs[name] {
				fmt.Printf("  %s\n", id)
			}
		}
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget all remembered deletions",
	Long: `Forget all remembered deletions. Deletions not yet uploaded will not reach
the service, so run 'tally sync' first.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		tombs, err := a.ledger.Tombstones(ctx)
		if err != nil {
			a.Close()
			fatalf("%v", err)
		}
		n := ledger.TombstoneCount(tombs)
		if n == 0 {
			fmt.Println("No deletions recorded")
			return
		}

		if !yes {
			ok, err := prompt.Confirm(ctx,
				fmt.Sprintf("Forget %d deletions?", n),
				"Deletions not uploaded yet will not reach the service.")
			if errors.Is(err, prompt.ErrNotInteractive) {
				a.Close()
				fatalf("no terminal to confirm on; pass --yes")
			}
			if err != nil {
				a.Close()
				fatalf("%v", err)
			}
			if !ok {
				fmt.Println("Cancelled")
				return
			}
		}

		if err := a.ledger.ClearTombstones(ctx); err != nil {
			a.Close()
			fatalf("%v", err)
		}
		fmt.Printf("%s Forgot %d deletions\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	historyClearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	historyCmd.AddCommand(historyShowCmd, historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}
