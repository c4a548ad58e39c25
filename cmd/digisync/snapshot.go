package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/digilib/digisync/internal/offline/schema"
	"github.com/digilib/digisync/internal/offline/snapshot"
	"github.com/digilib/digisync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "data",
	Short:   "Export local records to a JSONL snapshot",
	Long: `Export local records, one JSON object per line. Without a file name a
timestamped backup is written to the data directory; "-" writes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kinds, _ := cmd.Flags().GetStringSlice("kind")
		deleted, _ := cmd.Flags().GetBool("include-deleted")
		pages, _ := cmd.Flags().GetBool("include-pages")

		opts := snapshot.ExportOptions{IncludeDeleted: deleted, IncludePages: pages}
		for _, k := range kinds {
			kind := schema.Kind(k)
			if !kind.IsValid() {
				fatal("invalid kind %q", k)
			}
			opts.Kinds = append(opts.Kinds, kind)
		}

		a := mustOpen()
		defer a.close()
		ctx := context.Background()

		if len(args) == 1 && args[0] == "-" {
			if _, err := snapshot.Export(ctx, a.db, os.Stdout, opts); err != nil {
				fatal("%v", err)
			}
			return
		}

		path := filepath.Join(cfg.DataDir, snapshot.BackupName(time.Now()))
		if len(args) == 1 {
			path = args[0]
		}
		res, err := snapshot.ExportFile(ctx, a.db, path, opts)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), res.Records, path)
		printByKind(res.ByKind)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Import a JSONL snapshot",
	Long: `Import records from a JSONL snapshot. Every line goes through conflict
resolution, so newer local data is kept. Records that were unsynced when
exported are queued for push unless --no-queue is given.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noQueue, _ := cmd.Flags().GetBool("no-queue")

		a := mustOpen()
		defer a.close()

		opts := snapshot.ImportOptions{DryRun: dryRun}
		if !noQueue {
			opts.Queue = a.queue
		}

		res, err := snapshot.ImportFile(context.Background(), a.db, a.resolver, args[0], opts)
		if err != nil {
			fatal("%v", err)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d of %d records\n", ui.RenderPass("✓"), verb, res.Applied, res.Read)
		fmt.Printf("   Skipped: %d, kept local: %d, queued: %d\n", res.Skipped, res.KeptLocal, res.Queued)
		if res.Invalid > 0 {
			fmt.Printf("   %s %d invalid lines\n", ui.RenderWarn("⚠"), res.Invalid)
			for _, e := range res.Errors {
				fmt.Printf("     %s\n", ui.RenderMuted(e))
			}
		}
	},
}

func printByKind(byKind map[schema.Kind]int) {
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("   %s: %d\n", k, byKind[schema.Kind(k)])
	}
}

func init() {
	exportCmd.Flags().StringSlice("kind", nil, "export only these kinds")
	exportCmd.Flags().Bool("include-deleted", false, "export tombstones")
	exportCmd.Flags().Bool("include-pages", false, "export extracted page text")
	importCmd.Flags().Bool("dry-run", false, "resolve without writing")
	importCmd.Flags().Bool("no-queue", false, "do not queue unsynced records for push")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
