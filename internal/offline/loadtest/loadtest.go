// Package loadtest measures the offline core under concurrent access.
//
// It builds a synthetic library (documents and extracted page text)
// and runs readers against the page cache, the job queue and the search
// index the way a busy reader UI does: many page requests with a skewed
// access pattern, bursts of offline edits, and incremental search queries.
package loadtest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/pagecache"
	"github.com/digilib/digisync/internal/offline/render"
	"github.com/digilib/digisync/internal/offline/schema"
	"github.com/digilib/digisync/internal/offline/search"
)

// Options configures the synthetic library.
type Options struct {
	Documents   int
	PagesPerDoc int
	// PageBytes is the size of each rendered page image
	PageBytes int
	// CacheBytes is the page cache budget
	CacheBytes int64
	// RenderDelay simulates native rendering time
	RenderDelay time.Duration
}

// DefaultOptions returns a small library that still forces evictions.
func DefaultOptions() Options {
	return Options{
		Documents:   20,
		PagesPerDoc: 50,
		PageBytes:   16 << 10,
		CacheBytes:  4 << 20,
		RenderDelay: time.Millisecond,
	}
}

// TestLibrary is a populated database for load testing.
type TestLibrary struct {
	DB       *db.DB
	Cache    *pagecache.Store
	Queue    *jobqueue.Queue
	Index    *search.Index
	Pages    *render.Service
	Docs     []string
	Options  Options
	renderer *syntheticRenderer
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

var words = []string{
	"river", "mountain", "archive", "lantern", "harbor", "meadow", "signal",
	"orchard", "compass", "glacier", "thunder", "library", "ember", "canyon",
}

// CreateTestLibrary creates a library under dir.
func CreateTestLibrary(ctx context.Context, dir string, opts Options) (*TestLibrary, error) {
	database, err := db.Open(filepath.Join(dir, "loadtest.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	cache, err := pagecache.New(database, pagecache.Config{
		Dir:      filepath.Join(dir, "pages"),
		MaxBytes: opts.CacheBytes,
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	renderer := &syntheticRenderer{opts: opts}
	pages, err := render.NewService(cache, database, renderer, nil, render.Config{
		Concurrency: 8,
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	lib := &TestLibrary{
		DB:       database,
		Cache:    cache,
		Queue:    jobqueue.New(database, jobqueue.DefaultConfig()),
		Index:    search.New(database),
		Pages:    pages,
		Options:  opts,
		renderer: renderer,
	}

	// Deterministic content for reproducibility
	rng := rand.New(rand.NewPCG(42, 42))
	baseTime := time.Now().Add(-30 * 24 * time.Hour)

	err = database.WithTx(ctx, func(tx *sql.Tx) error {
		for i := 0; i < opts.Documents; i++ {
			docID := fmt.Sprintf("doc-%04d", i)
			doc := &schema.Document{
				Meta:      schema.Meta{ID: docID, UpdatedAt: baseTime.Add(time.Duration(i) * time.Minute)},
				Title:     fmt.Sprintf("%s %s volume %d", titleCase(pick(rng)), pick(rng), i),
				Author:    titleCase(pick(rng)),
				Format:    schema.FormatPDF,
				PageCount: opts.PagesPerDoc,
			}
			if err := db.PutRecordTx(ctx, tx, doc, true); err != nil {
				return err
			}
			lib.Docs = append(lib.Docs, docID)

			for p := 1; p <= opts.PagesPerDoc; p++ {
				page := &schema.Page{
					Meta:       schema.Meta{ID: schema.PageID(docID, p), UpdatedAt: doc.UpdatedAt},
					DocumentID: docID,
					PageNumber: p,
					Text:       sentence(rng, 40),
				}
				if err := db.PutRecordTx(ctx, tx, page, true); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to populate library: %w", err)
	}

	return lib, nil
}

// Close closes the test database connection.
func (lib *TestLibrary) Close() error {
	if lib.DB != nil {
		return lib.DB.Close()
	}
	return nil
}

// Renders returns how many pages were rendered natively so far.
func (lib *TestLibrary) Renders() int64 {
	return lib.renderer.count()
}

// RunPageLoad simulates readers requesting pages. Access is skewed: most
// requests hit a few hot documents, so the cache sees both hits and
// evictions.
func (lib *TestLibrary) RunPageLoad(ctx context.Context, readers, requestsPerReader int) (*LatencyStats, error) {
	return lib.run(ctx, readers, requestsPerReader, func(ctx context.Context, rng *rand.Rand) error {
		doc := lib.Docs[skewed(rng, len(lib.Docs))]
		key := pagecache.Key{DocumentID: doc, Page: 1 + rng.IntN(lib.Options.PagesPerDoc), DPI: 150}
		_, _, err := lib.Pages.Page(ctx, key)
		return err
	})
}

// RunQueueLoad simulates concurrent offline edits: every writer enqueues
// bookmark changes while a drainer claims and acknowledges them.
func (lib *TestLibrary) RunQueueLoad(ctx context.Context, writers, editsPerWriter int) (*LatencyStats, error) {
	drainCtx, stopDrain := context.WithCancel(ctx)
	drained := make(chan error, 1)
	go func() { drained <- lib.drain(drainCtx) }()

	stats, err := lib.run(ctx, writers, editsPerWriter, func(ctx context.Context, rng *rand.Rand) error {
		doc := lib.Docs[rng.IntN(len(lib.Docs))]
		b := &schema.Bookmark{
			// A small id space makes edits coalesce.
			Meta:       schema.Meta{ID: fmt.Sprintf("bm-%s-%d", doc, rng.IntN(5)), UpdatedAt: time.Now()},
			DocumentID: doc,
			Page:       1 + rng.IntN(lib.Options.PagesPerDoc),
			Title:      pick(rng),
		}
		change, err := schema.ChangeFor(b, schema.OriginLocal)
		if err != nil {
			return err
		}
		_, err = lib.Queue.Enqueue(ctx, change)
		return err
	})

	stopDrain()
	if derr := <-drained; derr != nil && err == nil {
		err = derr
	}
	return stats, err
}

func (lib *TestLibrary) drain(ctx context.Context) error {
	for {
		jobs, err := lib.Queue.Claim(ctx, 50)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, j := range jobs {
			if err := lib.Queue.Ack(ctx, j.ID); err != nil && ctx.Err() == nil {
				return err
			}
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// RunSearchLoad simulates incremental search: every query is a prefix of
// one or two words, as typed into a search box.
func (lib *TestLibrary) RunSearchLoad(ctx context.Context, searchers, queriesPerSearcher int) (*LatencyStats, error) {
	return lib.run(ctx, searchers, queriesPerSearcher, func(ctx context.Context, rng *rand.Rand) error {
		q := pick(rng)
		if rng.IntN(2) == 0 {
			q += " " + pick(rng)
		}
		q = q[:max(2, len(q)-rng.IntN(3))]
		_, err := lib.Index.Search(ctx, q, search.Options{Limit: 20})
		return err
	})
}

// run executes op concurrently and collects latencies. Failed operations
// are counted, not fatal.
func (lib *TestLibrary) run(ctx context.Context, workers, opsPerWorker int, op func(context.Context, *rand.Rand) error) (*LatencyStats, error) {
	var (
		mu           sync.Mutex
		allDurations []time.Duration
		errorCount   int
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		rng := rand.New(rand.NewPCG(uint64(i), 7))
		g.Go(func() error {
			durations := make([]time.Duration, 0, opsPerWorker)
			failed := 0
			for j := 0; j < opsPerWorker; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				start := time.Now()
				err := op(gctx, rng)
				durations = append(durations, time.Since(start))
				if err != nil {
					failed++
				}
			}

			mu.Lock()
			allDurations = append(allDurations, durations...)
			errorCount += failed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no operations completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Operations:    %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// skewed returns an index in [0, n) where low indexes are much more
// likely: half of all picks land in the first eighth.
func skewed(rng *rand.Rand, n int) int {
	if rng.IntN(2) == 0 {
		return rng.IntN(max(1, n/8))
	}
	return rng.IntN(n)
}

func pick(rng *rand.Rand) string {
	return words[rng.IntN(len(words))]
}

func sentence(rng *rand.Rand, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = pick(rng)
	}
	return strings.Join(parts, " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
