package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/digilib/digisync/internal/offline/schema"
	"github.com/digilib/digisync/internal/offline/search"
	"github.com/digilib/digisync/internal/ui"
)

var searchCmd = &cobra.Command{
	Use:     "search <query>",
	GroupID: "data",
	Short:   "Search the local library",
	Long: `Search document titles, page text, comments, bookmarks and tags offline.

The last word matches as a prefix. Use --raw to pass an FTS5 expression
unchanged.

Examples:
  digisync search "river delta"
  digisync search harb --kind page --doc 0190f0c2-...
  digisync search --raw 'title:archive OR body:"ember glow"'`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doc, _ := cmd.Flags().GetString("doc")
		kinds, _ := cmd.Flags().GetStringSlice("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		raw, _ := cmd.Flags().GetBool("raw")
		asJSON, _ := cmd.Flags().GetBool("json")

		opts := search.Options{DocumentID: doc, Limit: limit, Raw: raw}
		for _, k := range kinds {
			kind := schema.Kind(k)
			if !kind.IsValid() {
				fatal("invalid kind %q", k)
			}
			opts.Kinds = append(opts.Kinds, kind)
		}

		a := mustOpen()
		defer a.close()

		hits, err := a.index.Search(context.Background(), strings.Join(args, " "), opts)
		if errors.Is(err, search.ErrEmptyQuery) {
			fatal("nothing to search for")
		}
		if err != nil {
			fatal("%v", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(hits); err != nil {
				fatal("%v", err)
			}
			return
		}

		if len(hits) == 0 {
			fmt.Println("No matches")
			return
		}
		for _, h := range hits {
			where := h.DocumentID
			if h.Page > 0 {
				where = fmt.Sprintf("%s p.%d", where, h.Page)
			}
			title := h.Title
			if title == "" {
				title = h.RecordID
			}
			fmt.Printf("%s %s %s\n", ui.RenderAccent(string(h.Kind)), title, ui.RenderMuted(where))
			fmt.Printf("    %s\n", h.Snippet)
		}
	},
}

var reindexCmd = &cobra.Command{
	Use:     "reindex",
	GroupID: "maint",
	Short:   "Rebuild and optimize the search index",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpen()
		defer a.close()
		ctx := context.Background()

		n, err := a.index.Rebuild(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if err := a.index.Optimize(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Indexed %d rows\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	searchCmd.Flags().String("doc", "", "restrict to one document")
	searchCmd.Flags().StringSlice("kind", nil, "restrict to kinds (document, page, comment, bookmark, tag)")
	searchCmd.Flags().Int("limit", search.DefaultLimit, "maximum number of hits")
	searchCmd.Flags().Bool("raw", false, "pass the query to FTS5 unchanged")
	searchCmd.Flags().Bool("json", false, "output JSON")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(reindexCmd)
}
