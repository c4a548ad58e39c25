// Package pagecache stores rendered page images on disk, content-addressed
// and keyed by (document, page, dpi), with LRU eviction under a byte budget.
//
// Layout:
//
//	<dir>/<sha256[:2]>/<sha256>.bin   image bytes, one file per distinct image
//	cache_entries (SQLite)            key -> hash, recency
//	cache_blobs (SQLite)              hash -> size
//
// Two keys rendering to identical bytes share one blob. Usage is the sum of
// distinct blob sizes; after every Put and Evict it is at most the budget.
package pagecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digilib/digisync/internal/offline/db"
)

var (
	// ErrMiss is returned when a key is not cached.
	ErrMiss = errors.New("cache miss")

	// ErrTooLarge is returned by Put for items larger than the whole budget.
	ErrTooLarge = errors.New("item exceeds cache budget")
)

// Key identifies one rendered page image.
type Key struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page"`
	DPI        int    `json:"dpi"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d@%d", k.DocumentID, k.Page, k.DPI)
}

// Validate checks if the Key has valid field values.
func (k Key) Validate() error {
	if k.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if k.Page < 1 {
		return fmt.Errorf("page must be >= 1 (got %d)", k.Page)
	}
	if k.DPI < 1 {
		return fmt.Errorf("dpi must be >= 1 (got %d)", k.DPI)
	}
	return nil
}

// Entry describes a cached image.
type Entry struct {
	Key
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	MIME       string    `json:"mime,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Config holds cache settings.
type Config struct {
	// Dir is the blob directory
	Dir string
	// MaxBytes is the budget for distinct blob bytes
	MaxBytes int64
	// Clock returns the current time (nil = time.Now)
	Clock func() time.Time
}

// DefaultMaxBytes is the default cache budget (512 MiB).
const DefaultMaxBytes int64 = 512 << 20

// Store is the page image cache.
type Store struct {
	db  *db.DB
	dir string
	max atomic.Int64
	now func() time.Time

	// mu serializes writers so usage accounting and blob files agree.
	mu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

// New opens a cache rooted at cfg.Dir on an initialized database.
func New(database *db.DB, cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	s := &Store{db: database, dir: cfg.Dir, now: cfg.Clock}
	s.max.Store(cfg.MaxBytes)
	return s, nil
}

// Dir returns the blob directory.
func (s *Store) Dir() string {
	return s.dir
}

// MaxBytes returns the cache budget.
func (s *Store) MaxBytes() int64 {
	return s.max.Load()
}

// SetMaxBytes changes the budget and evicts down to it.
func (s *Store) SetMaxBytes(ctx context.Context, max int64) (EvictResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > 0 {
		s.max.Store(max)
	}
	return s.evictLocked(ctx, s.max.Load(), nil)
}

// Put stores an image under key and evicts least recently used entries
// until usage fits the budget again.
func (s *Store) Put(ctx context.Context, key Key, data []byte, mime string) (*Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache key: %w", err)
	}
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	// The budget only changes under mu.
	if max := s.max.Load(); size > max {
		return nil, fmt.Errorf("%s is %d bytes, budget %d: %w", key, size, max, ErrTooLarge)
	}

	hash := HashOf(data)
	if err := writeBlob(s.dir, hash, data); err != nil {
		return nil, err
	}

	now := s.now()
	entry := &Entry{Key: key, Hash: hash, Size: size, MIME: mime, CreatedAt: now, AccessedAt: now}

	var orphaned []string
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var oldHash string
		err := tx.QueryRowContext(ctx,
			`SELECT hash FROM cache_entries WHERE document_id = ? AND page = ? AND dpi = ?`,
			key.DocumentID, key.Page, key.DPI).Scan(&oldHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read cache entry: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cache_blobs (hash, size, created_ns) VALUES (?, ?, ?) ON CONFLICT(hash) DO NOTHING`,
			hash, size, db.ToNanos(now))
		if err != nil {
			return fmt.Errorf("failed to record blob: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (document_id, page, dpi, hash, mime, created_ns, accessed_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, page, dpi) DO UPDATE SET
			hash = excluded.hash,
			mime = excluded.mime,
			created_ns = excluded.created_ns,
			accessed_ns = excluded.accessed_ns
		`, key.DocumentID, key.Page, key.DPI, hash, mime, db.ToNanos(now), db.ToNanos(now))
		if err != nil {
			return fmt.Errorf("failed to record cache entry: %w", err)
		}

		if oldHash != "" && oldHash != hash {
			gone, err := dropBlobIfOrphanTx(ctx, tx, oldHash)
			if err != nil {
				return err
			}
			if gone {
				orphaned = append(orphaned, oldHash)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.removeFiles(orphaned)

	if _, err := s.evictLocked(ctx, s.max.Load(), &key); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the image cached under key and marks it most recently used.
// A blob file that vanished or no longer matches its hash counts as a miss
// and its entries are dropped.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, *Entry, error) {
	entry, err := s.lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			s.misses.Add(1)
		}
		return nil, nil, err
	}

	data, err := readBlob(s.dir, entry.Hash)
	if errors.Is(err, fs.ErrNotExist) {
		s.misses.Add(1)
		if _, ferr := s.ForgetBlob(ctx, entry.Hash); ferr != nil {
			return nil, nil, ferr
		}
		return nil, nil, fmt.Errorf("%s: %w", key, ErrMiss)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read blob for %s: %w", key, err)
	}

	now := s.now()
	_, err = s.db.RawDB().ExecContext(ctx,
		`UPDATE cache_entries SET accessed_ns = ? WHERE document_id = ? AND page = ? AND dpi = ?`,
		db.ToNanos(now), key.DocumentID, key.Page, key.DPI)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to touch cache entry: %w", err)
	}
	entry.AccessedAt = now
	s.hits.Add(1)
	return data, entry, nil
}

// Has reports whether key is cached, without touching recency.
func (s *Store) Has(ctx context.Context, key Key) (bool, error) {
	_, err := s.lookup(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) lookup(ctx context.Context, key Key) (*Entry, error) {
	row := s.db.RawDB().QueryRowContext(ctx, `
	SELECT e.hash, b.size, e.mime, e.created_ns, e.accessed_ns
	FROM cache_entries e JOIN cache_blobs b ON b.hash = e.hash
	WHERE e.document_id = ? AND e.page = ? AND e.dpi = ?
	`, key.DocumentID, key.Page, key.DPI)

	entry := &Entry{Key: key}
	var createdNs, accessedNs int64
	err := row.Scan(&entry.Hash, &entry.Size, &entry.MIME, &createdNs, &accessedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrMiss)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	entry.CreatedAt = db.FromNanos(createdNs)
	entry.AccessedAt = db.FromNanos(accessedNs)
	return entry, nil
}

// Delete removes one key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key Key) error {
	_, err := s.deleteWhere(ctx,
		`document_id = ? AND page = ? AND dpi = ?`, key.DocumentID, key.Page, key.DPI)
	return err
}

// InvalidateDocument removes every cached page of a document, e.g. after
// its file changed. Returns the number of entries removed.
func (s *Store) InvalidateDocument(ctx context.Context, documentID string) (int, error) {
	return s.deleteWhere(ctx, `document_id = ?`, documentID)
}

// ForgetBlob drops every entry pointing at hash. It is called when the blob
// file was removed behind the cache's back, e.g. by the OS reclaiming
// cache storage.
func (s *Store) ForgetBlob(ctx context.Context, hash string) (int, error) {
	return s.deleteWhere(ctx, `hash = ?`, hash)
}

func (s *Store) deleteWhere(ctx context.Context, where string, args ...any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	var orphaned []string
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT DISTINCT hash FROM cache_entries WHERE `+where, args...)
		if err != nil {
			return fmt.Errorf("failed to query cache entries: %w", err)
		}
		hashes, err := scanStrings(rows)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE `+where, args...)
		if err != nil {
			return fmt.Errorf("failed to delete cache entries: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)

		for _, h := range hashes {
			gone, err := dropBlobIfOrphanTx(ctx, tx, h)
			if err != nil {
				return err
			}
			if gone {
				orphaned = append(orphaned, h)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.removeFiles(orphaned)
	return removed, nil
}

// EvictResult reports what an eviction pass removed.
type EvictResult struct {
	Entries int   `json:"entries"`
	Blobs   int   `json:"blobs"`
	Bytes   int64 `json:"bytes"`
}

// Evict removes least recently used entries until usage fits the budget.
func (s *Store) Evict(ctx context.Context) (EvictResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(ctx, s.max.Load(), nil)
}

// EvictTo removes least recently used entries until usage is at most
// target bytes.
func (s *Store) EvictTo(ctx context.Context, target int64) (EvictResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(ctx, target, nil)
}

func (s *Store) evictLocked(ctx context.Context, target int64, keep *Key) (EvictResult, error) {
	var result EvictResult
	var orphaned []string

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT hash FROM cache_blobs b WHERE NOT EXISTS (SELECT 1 FROM cache_entries e WHERE e.hash = b.hash)`)
		if err != nil {
			return fmt.Errorf("failed to query unreferenced blobs: %w", err)
		}
		unreferenced, err := scanStrings(rows)
		if err != nil {
			return err
		}
		for _, h := range unreferenced {
			gone, err := dropBlobIfOrphanTx(ctx, tx, h)
			if err != nil {
				return err
			}
			if gone {
				orphaned = append(orphaned, h)
				result.Blobs++
			}
		}

		usage, err := usageTx(ctx, tx)
		if err != nil || usage <= target {
			return err
		}

		rows, err = tx.QueryContext(ctx, `
		SELECT document_id, page, dpi, hash FROM cache_entries
		ORDER BY accessed_ns ASC, created_ns ASC
		`)
		if err != nil {
			return fmt.Errorf("failed to query eviction candidates: %w", err)
		}
		var candidates []Entry
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.DocumentID, &e.Page, &e.DPI, &e.Hash); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan eviction candidate: %w", err)
			}
			candidates = append(candidates, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating eviction candidates: %w", err)
		}

		for _, e := range candidates {
			if usage <= target {
				break
			}
			if keep != nil && e.Key == *keep {
				continue
			}
			_, err := tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE document_id = ? AND page = ? AND dpi = ?`,
				e.DocumentID, e.Page, e.DPI)
			if err != nil {
				return fmt.Errorf("failed to evict %s: %w", e.Key, err)
			}
			result.Entries++

			var size int64
			err = tx.QueryRowContext(ctx, `SELECT size FROM cache_blobs WHERE hash = ?`, e.Hash).Scan(&size)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to read blob size: %w", err)
			}
			gone, err := dropBlobIfOrphanTx(ctx, tx, e.Hash)
			if err != nil {
				return err
			}
			if gone {
				orphaned = append(orphaned, e.Hash)
				usage -= size
				result.Blobs++
				result.Bytes += size
			}
		}
		return nil
	})
	if err != nil {
		return EvictResult{}, err
	}
	s.removeFiles(orphaned)
	return result, nil
}

// Clear removes every entry and blob.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
			return fmt.Errorf("failed to clear cache entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_blobs`); err != nil {
			return fmt.Errorf("failed to clear cache blobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	hashes, err := listBlobs(s.dir)
	if err != nil {
		return err
	}
	s.removeFiles(hashes)
	return nil
}

// ReconcileResult reports what Reconcile repaired.
type ReconcileResult struct {
	// MissingBlobs had rows but no file
	MissingBlobs int `json:"missing_blobs"`
	// OrphanFiles had a file but no row
	OrphanFiles int `json:"orphan_files"`
}

// Reconcile brings the metadata and the blob directory back in agreement:
// rows whose file is gone are dropped and files nobody references are
// deleted. Run it at startup.
func (s *Store) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	files, err := listBlobs(s.dir)
	if err != nil {
		return result, err
	}
	onDisk := make(map[string]bool, len(files))
	for _, h := range files {
		onDisk[h] = true
	}

	rows, err := s.db.RawDB().QueryContext(ctx, `SELECT hash FROM cache_blobs`)
	if err != nil {
		return result, fmt.Errorf("failed to list cached blobs: %w", err)
	}
	known, err := scanStrings(rows)
	if err != nil {
		return result, err
	}

	for _, h := range known {
		if onDisk[h] {
			delete(onDisk, h)
			continue
		}
		if _, err := s.ForgetBlob(ctx, h); err != nil {
			return result, err
		}
		// Blob rows without entries are not covered by ForgetBlob.
		if _, err := s.db.RawDB().ExecContext(ctx, `DELETE FROM cache_blobs WHERE hash = ?`, h); err != nil {
			return result, fmt.Errorf("failed to drop blob %s: %w", h, err)
		}
		result.MissingBlobs++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var orphans []string
	for h := range onDisk {
		orphans = append(orphans, h)
	}
	s.removeFiles(orphans)
	result.OrphanFiles = len(orphans)
	return result, nil
}

// Stats summarizes cache contents.
type Stats struct {
	Entries   int   `json:"entries" yaml:"entries"`
	Blobs     int   `json:"blobs" yaml:"blobs"`
	Documents int   `json:"documents" yaml:"documents"`
	Bytes     int64 `json:"bytes" yaml:"bytes"`
	MaxBytes  int64 `json:"max_bytes" yaml:"max_bytes"`
	Hits      int64 `json:"hits" yaml:"hits"`
	Misses    int64 `json:"misses" yaml:"misses"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns current cache statistics. Hit and miss counters cover the
// lifetime of this Store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{MaxBytes: s.max.Load(), Hits: s.hits.Load(), Misses: s.misses.Load()}

	err := s.db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM cache_entries`).Scan(&stats.Entries, &stats.Documents)
	if err != nil {
		return stats, fmt.Errorf("failed to count cache entries: %w", err)
	}
	err = s.db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_blobs`).Scan(&stats.Blobs, &stats.Bytes)
	if err != nil {
		return stats, fmt.Errorf("failed to sum cache blobs: %w", err)
	}
	return stats, nil
}

func usageTx(ctx context.Context, q db.Querier) (int64, error) {
	var usage int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_blobs`).Scan(&usage); err != nil {
		return 0, fmt.Errorf("failed to compute cache usage: %w", err)
	}
	return usage, nil
}

// dropBlobIfOrphanTx deletes the blob row when no entry references it and
// reports whether it did. The file is removed by the caller after commit.
func dropBlobIfOrphanTx(ctx context.Context, q db.Querier, hash string) (bool, error) {
	res, err := q.ExecContext(ctx, `
	DELETE FROM cache_blobs
	WHERE hash = ? AND NOT EXISTS (SELECT 1 FROM cache_entries WHERE hash = ?)
	`, hash, hash)
	if err != nil {
		return false, fmt.Errorf("failed to drop blob %s: %w", hash, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) removeFiles(hashes []string) {
	for _, h := range hashes {
		if err := removeBlob(s.dir, h); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
