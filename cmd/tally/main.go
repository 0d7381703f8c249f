package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tallybook/tally/internal/config"
	"github.com/tallybook/tally/internal/logging"
	"github.com/tallybook/tally/internal/ui"
	"go.uber.org/zap"
)

var (
	configFile string

	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Local-first personal finance ledger with optional sync",
	Long: `tally keeps expenses, incomes, savings goals, categories, reminders and a
budget in a local store. Signing in mirrors the store to a sync service:
local changes are uploaded after a short quiet period and remote changes are
pulled periodically.

Everything works offline. Commands that change records only touch the local
store; a running 'tally daemon' or the next 'tally sync' sends them.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(config.Options{ConfigFile: configFile, Flags: cmd.Flags()})
		if err != nil {
			fatalf("%v", err)
		}
		cfg = loaded

		l, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			fatalf("%v", err)
		}
		logger = l
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "session", Title: "Session:"},
		&cobra.Group{ID: "data", Title: "Records:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default "+config.DefaultPath()+")")
	pf.String("store-path", "", "Local store file")
	pf.String("server-url", "", "Sync service base URL")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-file", "", "Also write JSON logs to this file")
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
