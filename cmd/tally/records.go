package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add <collection>",
	GroupID: "data",
	Short:   "Add or replace a record",
	Long: `Add a record to a collection. Collections: expenses, extra-incomes,
savings-goals, categories, reminders.

--when accepts natural language ("yesterday", "last friday 3pm") or an ISO
date. A record with an existing --id replaces it.

Examples:
  tally add expenses --amount 12.50 --category food --when yesterday
  tally add categories --name food
  tally add reminders --note "rent" --when "next monday"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := ledger.ParseCollection(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		var in recordInput
		in.ID, _ = cmd.Flags().GetString("id")
		in.Amount, _ = cmd.Flags().GetString("amount")
		in.When, _ = cmd.Flags().GetString("when")
		in.Note, _ = cmd.Flags().GetString("note")
		in.Category, _ = cmd.Flags().GetString("category")
		in.Name, _ = cmd.Flags().GetString("name")

		rec, err := buildRecord(in, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		if err := a.ledger.PutRecord(ctx, c, rec); err != nil {
			a.Close()
			fatalf("%v", err)
		}
		h, _ := ledger.ParseHeader(rec)
		fmt.Printf("%s Saved %s %s\n", ui.RenderPass("✓"), c, h.ID)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <collection> <id>",
	GroupID: "data",
	Short:   "Delete a record",
	Long: `Delete a record. The deletion is remembered so that the next sync removes
the record on the service too.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := ledger.ParseCollection(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		err = a.ledger.DeleteRecord(ctx, c, args[1])
		if errors.Is(err, ledger.ErrRecordNotFound) {
			a.Close()
			fatalf("no %s record with id %s", c, args[1])
		}
		if err != nil {
			a.Close()
			fatalf("%v", err)
		}
		fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), c, args[1])
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls <collection>",
	GroupID: "data",
	Short:   "List the records of a collection",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := ledger.ParseCollection(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		jsonOut, _ := cmd.Flags().GetBool("json")

		ctx := cmd.Context()
		a := mustOpenApp(ctx, nil)
		defer a.Close()

		recs, err := a.ledger.Records(ctx, c)
		if err != nil {
			a.Close()
			fatalf("%v", err)
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if recs == nil {
				recs = []json.RawMessage{}
			}
			_ = enc.Encode(recs)
			return
		}

		if len(recs) == 0 {
			fmt.Printf("No %s\n", c)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWHEN\tAMOUNT\tDETAIL")
		for _, raw := range recs {
			fmt.Fprintln(w, summarize(raw, cfg.Currency))
		}
		_ = w.Flush()
	},
}

// recordInput is what the add command collects from flags.
type recordInput struct {
	ID       string
	Amount   string
	When     string
	Note     string
	Category string
	Name     string
}

// buildRecord turns flag input into a record. ts is the record time in
// epoch milliseconds, from --when or now.
func buildRecord(in recordInput, now time.Time) (json.RawMessage, error) {
	rec := map[string]any{}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec["id"] = id

	at := now
	if in.When != "" {
		t, err := parseWhen(in.When, now)
		if err != nil {
			return nil, err
		}
		at = t
	}
	rec["ts"] = at.UnixMilli()

	if in.Amount != "" {
		amount, err := decimal.NewFromString(in.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", in.Amount, err)
		}
		rec["amount"] = json.Number(amount.String())
	}
	if in.Note != "" {
		rec["note"] = in.Note
	}
	if in.Category != "" {
		rec["category"] = in.Category
	}
	if in.Name != "" {
		rec["name"] = in.Name
	}

	return json.Marshal(rec)
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}

// parseWhen reads a date in natural language relative to now, falling back
// to ISO layouts in local time.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return r.Time, nil
}

// summarize renders one tab-separated row for ls.
func summarize(raw json.RawMessage, currency string) string {
	var fields struct {
		Amount   json.Number `json:"amount"`
		Note     string      `json:"note"`
		Category string      `json:"category"`
		Name     string      `json:"name"`
	}
	_ = json.Unmarshal(raw, &fields)

	h, err := ledger.ParseHeader(raw)
	if err != nil {
		return "?\t-\t-\t" + string(raw)
	}

	date := "-"
	if h.TS > 0 {
		date = time.UnixMilli(h.TS).Format("2006-01-02")
	}
	amount := "-"
	if fields.Amount != "" {
		if d, err := decimal.NewFromString(fields.Amount.String()); err == nil {
			amount = ledger.FormatAmount(d, currency)
		}
	}

	var detail []string
	for _, s := range []string{fields.Name, fields.Category, fields.Note} {
		if s != "" {
			detail = append(detail, s)
		}
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", h.ID, date, amount, strings.Join(detail, " · "))
}

func init() {
	addCmd.Flags().String("id", "", "Record id (default: a new UUID)")
	addCmd.Flags().String("amount", "", "Amount as a decimal, e.g. 12.50")
	addCmd.Flags().String("when", "", "Record date (natural language or YYYY-MM-DD)")
	addCmd.Flags().String("note", "", "Free-form note")
	addCmd.Flags().String("category", "", "Category name")
	addCmd.Flags().String("name", "", "Name (categories and savings goals)")

	lsCmd.Flags().Bool("json", false, "Print raw records as JSON")

	rootCmd.AddCommand(addCmd, rmCmd, lsCmd)
}
