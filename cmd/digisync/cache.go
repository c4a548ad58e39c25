package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/digilib/digisync/internal/offline/pagecache"
	"github.com/digilib/digisync/internal/offline/render"
	"github.com/digilib/digisync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "data",
	Short:   "Manage the rendered page cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show page cache usage",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpen()
		defer a.close()

		s, err := a.cache.Stats(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("\n%s Page Cache\n\n", ui.RenderAccent("●"))
		fmt.Print(ui.RenderKV(
			[2]string{"Location", a.cache.Dir()},
			[2]string{"Used", fmt.Sprintf("%s of %s", ui.FormatBytes(s.Bytes), ui.FormatBytes(s.MaxBytes))},
			[2]string{"Pages", fmt.Sprint(s.Entries)},
			[2]string{"Blobs", fmt.Sprint(s.Blobs)},
			[2]string{"Documents", fmt.Sprint(s.Documents)},
		))
		fmt.Println()
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Evict least recently used pages down to the budget",
	Long: `Evict least recently used pages until usage fits the configured budget,
or --to bytes when given. Blob files removed by the OS are reconciled first.`,
	Run: func(cmd *cobra.Command, args []string) {
		to, _ := cmd.Flags().GetInt64("to")

		a := mustOpen()
		defer a.close()
		ctx := context.Background()

		rec, err := a.cache.Reconcile(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if rec.MissingBlobs > 0 || rec.OrphanFiles > 0 {
			fmt.Printf("   Reconciled %d missing blobs, %d orphan files\n", rec.MissingBlobs, rec.OrphanFiles)
		}

		evict := a.cache.Evict
		if cmd.Flags().Changed("to") {
			evict = func(ctx context.Context) (pagecache.EvictResult, error) { return a.cache.EvictTo(ctx, to) }
		}
		res, err := evict(ctx)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Evicted %d pages, freed %s\n", ui.RenderPass("✓"), res.Entries, ui.FormatBytes(res.Bytes))
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [document-id]",
	Short: "Remove cached pages",
	Long: `Remove every cached page, or only the pages of one document.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpen()
		defer a.close()
		ctx := context.Background()

		if len(args) == 1 {
			n, err := a.cache.InvalidateDocument(ctx, args[0])
			if err != nil {
				fatal("%v", err)
			}
			fmt.Printf("%s Removed %d pages of %s\n", ui.RenderPass("✓"), n, args[0])
			return
		}

		ok, err := ui.Confirm("Clear the page cache?", "Every rendered page will be deleted.", assumeYes)
		if err != nil {
			fatal("%v", err)
		}
		if !ok {
			fmt.Println("Aborted")
			return
		}
		if err := a.cache.Clear(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Page cache cleared\n", ui.RenderPass("✓"))
	},
}

var cachePrefetchCmd = &cobra.Command{
	Use:   "prefetch <document-id>",
	Short: "Download pages from the server into the cache",
	Long: `Fetch rendered pages of a document from the server so they are
available offline.

Examples:
  digisync cache prefetch 0190f0c2-... --pages 1-20
  digisync cache prefetch 0190f0c2-... --pages 1,3,5-7 --dpi 300`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ranges, _ := cmd.Flags().GetString("pages")
		dpi, _ := cmd.Flags().GetInt("dpi")

		pages, err := parsePages(ranges)
		if err != nil {
			fatal("%v", err)
		}

		a := mustOpen()
		defer a.close()
		a.requireServer()

		svc, err := render.NewService(a.cache, a.db, nil, a.client, render.Config{
			Logger: logs.Logger("render"),
		})
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := svc.Prefetch(ctx, args[0], pages, dpi); err != nil {
			fatal("prefetch failed: %v", err)
		}
		fmt.Printf("%s %d pages of %s available offline\n", ui.RenderPass("✓"), len(pages), args[0])
	},
}

// parsePages parses "1-5,8,10-12" into page numbers.
func parsePages(ranges string) ([]int, error) {
	var pages []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(ranges, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid page %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("invalid page range %q", part)
			}
		}
		if first < 1 || last < first {
			return nil, fmt.Errorf("invalid page range %q", part)
		}
		if last-first > 10000 {
			return nil, fmt.Errorf("page range %q too large", part)
		}
		for p := first; p <= last; p++ {
			if !seen[p] {
				seen[p] = true
				pages = append(pages, p)
			}
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages given")
	}
	return pages, nil
}

func init() {
	cacheEvictCmd.Flags().Int64("to", 0, "evict down to this many bytes")
	cachePrefetchCmd.Flags().String("pages", "1-10", "pages to fetch, e.g. 1-5,8")
	cachePrefetchCmd.Flags().Int("dpi", 150, "render resolution")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheEvictCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cachePrefetchCmd)
	rootCmd.AddCommand(cacheCmd)
}
