package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/digilib/digisync/internal/offline/loadtest"
	"github.com/digilib/digisync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure cache, queue and search latency under load",
	Long: `Build a synthetic library in a temporary directory and measure latency
of concurrent page reads, offline edits and search queries. The real data
directory is not touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		opts := loadtest.DefaultOptions()
		opts.Documents, _ = cmd.Flags().GetInt("docs")
		opts.PagesPerDoc, _ = cmd.Flags().GetInt("pages")
		cacheMB, _ := cmd.Flags().GetInt64("cache-mb")
		opts.CacheBytes = cacheMB << 20
		workers, _ := cmd.Flags().GetInt("workers")
		ops, _ := cmd.Flags().GetInt("ops")

		if opts.Documents < 1 || opts.PagesPerDoc < 1 || workers < 1 || ops < 1 {
			fatal("--docs, --pages, --workers and --ops must be positive")
		}

		dir, err := os.MkdirTemp("", "digisync-bench-")
		if err != nil {
			fatal("%v", err)
		}
		defer os.RemoveAll(dir)

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("%s Building library: %d documents x %d pages...\n", ui.RenderAccent("→"), opts.Documents, opts.PagesPerDoc)
		start := time.Now()
		lib, err := loadtest.CreateTestLibrary(ctx, dir, opts)
		if err != nil {
			fatal("%v", err)
		}
		defer lib.Close()
		fmt.Printf("   done in %v\n\n", time.Since(start).Round(time.Millisecond))

		runs := []struct {
			title string
			run   func(context.Context, int, int) (*loadtest.LatencyStats, error)
		}{
			{"Page reads", lib.RunPageLoad},
			{"Offline edits", lib.RunQueueLoad},
			{"Search queries", lib.RunSearchLoad},
		}
		for _, r := range runs {
			stats, err := r.run(ctx, workers, ops)
			if err != nil {
				fatal("%s: %v", r.title, err)
			}
			stats.PrintStats(os.Stdout, r.title)
			fmt.Println()
		}

		cs, err := lib.Cache.Stats(ctx)
		if err == nil {
			fmt.Printf("Cache: %d native renders, hit rate %.0f%%, %s used\n",
				lib.Renders(), cs.HitRate()*100, ui.FormatBytes(cs.Bytes))
		}
	},
}

func init() {
	benchCmd.Flags().Int("docs", 20, "number of documents")
	benchCmd.Flags().Int("pages", 50, "pages per document")
	benchCmd.Flags().Int64("cache-mb", 4, "page cache budget in MiB")
	benchCmd.Flags().Int("workers", 8, "concurrent workers per run")
	benchCmd.Flags().Int("ops", 100, "operations per worker")
	rootCmd.AddCommand(benchCmd)
}
