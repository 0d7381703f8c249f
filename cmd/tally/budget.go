package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/ui"
)

var budgetCmd = &cobra.Command{
	Use:     "budget",
	GroupID: "data",
	Short:   "Show or set the monthly budget",
}

var budgetShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the budget",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		amount, configured, err := a.ledger.Budget(ctx)
		if err != nil {
			a.Close()
			fatalf("%v", err)
		}
		if !configured {
			fmt.Printf("No budget set. Use 'tally budget set <amount>'.\n")
			return
		}
		fmt.Printf("Budget: %s\n", ui.RenderBold(ledger.FormatAmount(amount, cfg.Currency)))
	},
}

var budgetSetCmd = &cobra.Command{
	Use:   "set <amount>",
	Short: "Set the budget",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			fatalf("invalid amount %q", args[0])
		}

		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		if err := a.ledger.SetBudget(ctx, amount); err != nil {
			a.Close()
			fatalf("%v", err)
		}
		fmt.Printf("%s Budget set to %s\n", ui.RenderPass("✓"), ledger.FormatAmount(amount, cfg.Currency))
	},
}

func init() {
	budgetCmd.AddCommand(budgetShowCmd, budgetSetCmd)
	rootCmd.AddCommand(budgetCmd)
}
