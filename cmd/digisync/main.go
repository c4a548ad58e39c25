// Command digisync manages the offline sync and cache core of the reader:
// the local database, the job queue of offline edits, the page cache and
// the search index.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/digilib/digisync/internal/config"
	"github.com/digilib/digisync/internal/logging"
	"github.com/digilib/digisync/internal/ui"
)

var (
	configPath string
	dataDir    string
	verbose    bool
	assumeYes  bool

	cfg  *config.Config
	logs *logging.Logs
)

var rootCmd = &cobra.Command{
	Use:   "digisync",
	Short: "Offline-first sync and local cache for the document reader",
	Long: `digisync keeps a local copy of the reader's library in agreement with the
server. Edits made offline are queued and pushed when the network returns;
server changes are pulled from a change manifest and merged.

Data lives in a local SQLite database; rendered pages are kept in a
size-bounded cache and everything searchable is indexed with FTS5.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if verbose {
			cfg.Log.Verbose = true
		}

		logs, err = logging.New(logging.Options{
			File:       cfg.LogFile(),
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   true,
			Verbose:    cfg.Log.Verbose,
			// Interactive commands keep the console for their own output.
			Quiet: !cfg.Log.Verbose && cmd.Name() != "daemon",
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Local data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./digisync.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmations")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	if logs != nil {
		_ = logs.Close()
	}
	os.Exit(1)
}
