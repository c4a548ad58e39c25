// Package render serves page images and page text to the reader.
//
// Images come from the page cache when present; otherwise the native
// renderer produces them, with the server as fallback, and the result is
// cached. Concurrent requests for the same page share one render.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/pagecache"
	"github.com/digilib/digisync/internal/offline/remote"
	"github.com/digilib/digisync/internal/offline/schema"
)

// ErrUnsupported is returned by a Renderer that cannot handle a document.
var ErrUnsupported = errors.New("unsupported by native renderer")

// ErrUnavailable is returned when no source could produce a page.
var ErrUnavailable = errors.New("page unavailable")

// Renderer is the platform's native document engine.
type Renderer interface {
	RenderPage(ctx context.Context, documentID string, page, dpi int) ([]byte, string, error)
	ExtractText(ctx context.Context, documentID string, page int) (string, error)
	PageCount(ctx context.Context, documentID string) (int, error)
}

// Source tells where a page image came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceNative Source = "native"
	SourceServer Source = "server"
)

// Config holds service settings.
type Config struct {
	// Concurrency bounds parallel renders in Prefetch and IndexText (0 = 4)
	Concurrency int
	// RenderTimeout bounds one shared render (0 = 30s)
	RenderTimeout time.Duration
	// Logger for render activity (default: discard)
	Logger *log.Logger
}

// Service coordinates cache, native renderer and server fallback.
type Service struct {
	cache  *pagecache.Store
	native Renderer
	server remote.PageSource
	db     *db.DB

	concurrency   int
	renderTimeout time.Duration
	logger        *log.Logger
	group       singleflight.Group
}

// NewService wires a render service. native and server may each be nil,
// but not both.
func NewService(cache *pagecache.Store, database *db.DB, native Renderer, server remote.PageSource, cfg Config) (*Service, error) {
	if native == nil && server == nil {
		return nil, fmt.Errorf("a native renderer or a server page source is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Service{
		cache:       cache,
		native:      native,
		server:      server,
		db:          database,
		concurrency:   cfg.Concurrency,
		renderTimeout: cfg.RenderTimeout,
		logger:        cfg.Logger,
	}, nil
}

type rendered struct {
	data   []byte
	mime   string
	source Source
}

// Page returns the image for key.
func (s *Service) Page(ctx context.Context, key pagecache.Key) ([]byte, Source, error) {
	if err := key.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid page key: %w", err)
	}

	data, _, err := s.cache.Get(ctx, key)
	if err == nil {
		return data, SourceCache, nil
	}
	if !errors.Is(err, pagecache.ErrMiss) {
		s.logger.Printf("cache read %s failed: %v", key, err)
	}

	// The shared render outlives any single caller: it runs on a detached
	// context bounded by RenderTimeout, and each caller waits on its own ctx.
	ch := s.group.DoChan(key.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.renderTimeout)
		defer cancel()
		return s.renderAndCache(rctx, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}
		r := res.Val.(*rendered)
		return r.data, r.source, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (s *Service) renderAndCache(ctx context.Context, key pagecache.Key) (*rendered, error) {
	// Another caller may have filled the cache since our miss.
	if has, _ := s.cache.Has(ctx, key); has {
		if data, e, err := s.cache.Get(ctx, key); err == nil {
			return &rendered{data: data, mime: e.MIME, source: SourceCache}, nil
		}
	}
	r, err := s.render(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := s.cache.Put(ctx, key, r.data, r.mime); err != nil {
		// Serve the page even if it cannot be cached.
		s.logger.Printf("cache write %s failed: %v", key, err)
	}
	return r, nil
}

func (s *Service) render(ctx context.Context, key pagecache.Key) (*rendered, error) {
	var nativeErr error
	if s.native != nil {
		data, mime, err := s.native.RenderPage(ctx, key.DocumentID, key.Page, key.DPI)
		if err == nil {
			return &rendered{data: data, mime: mime, source: SourceNative}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		nativeErr = err
		s.logger.Printf("native render %s failed, trying server: %v", key, err)
	}

	if s.server != nil {
		data, mime, err := s.server.RenderPage(ctx, key.DocumentID, key.Page, key.DPI)
		if err == nil {
			return &rendered{data: data, mime: mime, source: SourceServer}, nil
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, key, errors.Join(nativeErr, err))
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, key, nativeErr)
}

// Prefetch renders and caches pages ahead of the reader, at most
// Concurrency at a time. Pages already cached are skipped. The first
// failure cancels the rest.
func (s *Service) Prefetch(ctx context.Context, documentID string, pages []int, dpi int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, page := range pages {
		key := pagecache.Key{DocumentID: documentID, Page: page, DPI: dpi}
		g.Go(func() error {
			has, err := s.cache.Has(ctx, key)
			if err != nil || has {
				return err
			}
			_, _, err = s.Page(ctx, key)
			return err
		})
	}
	return g.Wait()
}

// IndexText extracts the text of every page of a document and stores it as
// page records, which the search triggers index. Pages are derived data:
// they are written as synced and never queued for push. Returns the number
// of pages indexed.
func (s *Service) IndexText(ctx context.Context, documentID string) (int, error) {
	if s.native == nil {
		return 0, fmt.Errorf("text extraction needs a native renderer: %w", ErrUnsupported)
	}
	count, err := s.native.PageCount(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages of %s: %w", documentID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for page := 1; page <= count; page++ {
		g.Go(func() error {
			text, err := s.native.ExtractText(gctx, documentID, page)
			if errors.Is(err, ErrUnsupported) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to extract page %d of %s: %w", page, documentID, err)
			}
			rec := &schema.Page{
				Meta:       schema.Meta{ID: schema.PageID(documentID, page), UpdatedAt: time.Now()},
				DocumentID: documentID,
				PageNumber: page,
				Text:       text,
			}
			return s.db.PutRecord(gctx, rec, true)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return count, nil
}

// Invalidate drops cached images and extracted text of a document, e.g.
// after its file was replaced.
func (s *Service) Invalidate(ctx context.Context, documentID string) error {
	if _, err := s.cache.InvalidateDocument(ctx, documentID); err != nil {
		return err
	}
	pages, err := s.db.ListRecords(ctx, db.RecordFilter{Kind: schema.KindPage, DocumentID: documentID, IncludeDeleted: true})
	if err != nil {
		return err
	}
	for _, p := range pages {
		if err := s.db.HardDeleteRecord(ctx, schema.KindPage, p.Header().ID); err != nil {
			return err
		}
	}
	return nil
}
