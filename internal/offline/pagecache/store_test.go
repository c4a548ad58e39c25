package pagecache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digilib/digisync/internal/offline/db"
)

type tickClock struct{ t time.Time }

// Now advances one millisecond per call so recency is strictly ordered.
func (c *tickClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func setupStore(t *testing.T, max int64) *Store {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.InitSchema())

	clock := &tickClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := New(database, Config{Dir: filepath.Join(dir, "blobs"), MaxBytes: max, Clock: clock.Now})
	require.NoError(t, err)
	return store
}

func image(fill byte, n int) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func key(page int) Key {
	return Key{DocumentID: "doc-1", Page: page, DPI: 150}
}

func TestPutGet(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	data := image('a', 100)
	entry, err := s.Put(ctx, key(1), data, "image/png")
	require.NoError(t, err)
	assert.Equal(t, HashOf(data), entry.Hash)
	assert.FileExists(t, blobPath(s.Dir(), entry.Hash))

	got, e, err := s.Get(ctx, key(1))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/png", e.MIME)
	assert.Equal(t, int64(100), e.Size)

	_, _, err = s.Get(ctx, key(2))
	assert.ErrorIs(t, err, ErrMiss)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestPut_InvalidKey(t *testing.T) {
	s := setupStore(t, 1<<20)
	_, err := s.Put(context.Background(), Key{DocumentID: "doc-1", Page: 0, DPI: 150}, image('a', 1), "")
	assert.Error(t, err)
}

func TestPut_DeduplicatesBlobs(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	data := image('x', 500)
	_, err := s.Put(ctx, key(1), data, "")
	require.NoError(t, err)
	_, err = s.Put(ctx, Key{DocumentID: "doc-2", Page: 1, DPI: 150}, data, "")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 1, stats.Blobs)
	assert.Equal(t, int64(500), stats.Bytes, "usage counts distinct blobs once")
	assert.Equal(t, 2, stats.Documents)

	// Deleting one reference keeps the shared blob
	require.NoError(t, s.Delete(ctx, key(1)))
	assert.FileExists(t, blobPath(s.Dir(), HashOf(data)))

	require.NoError(t, s.Delete(ctx, Key{DocumentID: "doc-2", Page: 1, DPI: 150}))
	assert.NoFileExists(t, blobPath(s.Dir(), HashOf(data)))
}

func TestPut_ReplaceReleasesOldBlob(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	old := image('o', 10)
	_, err := s.Put(ctx, key(1), old, "")
	require.NoError(t, err)
	_, err = s.Put(ctx, key(1), image('n', 20), "")
	require.NoError(t, err)

	assert.NoFileExists(t, blobPath(s.Dir(), HashOf(old)))
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Bytes)
}

func TestPut_TooLarge(t *testing.T) {
	s := setupStore(t, 100)
	_, err := s.Put(context.Background(), key(1), image('a', 101), "")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestPut_EvictsLeastRecentlyUsed(t *testing.T) {
	s := setupStore(t, 300)
	ctx := context.Background()

	for page := 1; page <= 3; page++ {
		_, err := s.Put(ctx, key(page), image(byte('a'+page), 100), "")
		require.NoError(t, err)
	}

	// Touch page 1 so page 2 becomes the oldest
	_, _, err := s.Get(ctx, key(1))
	require.NoError(t, err)

	_, err = s.Put(ctx, key(4), image('z', 100), "")
	require.NoError(t, err)

	for page, want := range map[int]bool{1: true, 2: false, 3: true, 4: true} {
		has, err := s.Has(ctx, key(page))
		require.NoError(t, err)
		assert.Equal(t, want, has, "page %d", page)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.Bytes, s.MaxBytes())
}

func TestPut_UsageNeverExceedsBudget(t *testing.T) {
	s := setupStore(t, 1000)
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		size := 37 * (i%7 + 1)
		_, err := s.Put(ctx, key(i), image(byte(i), size), "")
		require.NoError(t, err)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, stats.Bytes, int64(1000), "after put %d", i)
	}
}

func TestEvictTo(t *testing.T) {
	s := setupStore(t, 1000)
	ctx := context.Background()

	for page := 1; page <= 5; page++ {
		_, err := s.Put(ctx, key(page), image(byte(page), 100), "")
		require.NoError(t, err)
	}

	res, err := s.EvictTo(ctx, 250)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, int64(300), res.Bytes)

	has, err := s.Has(ctx, key(5))
	require.NoError(t, err)
	assert.True(t, has, "most recent page survives")

	res, err = s.Evict(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Entries, "already under budget")
}

func TestSetMaxBytes(t *testing.T) {
	s := setupStore(t, 1000)
	ctx := context.Background()

	for page := 1; page <= 4; page++ {
		_, err := s.Put(ctx, key(page), image(byte(page), 100), "")
		require.NoError(t, err)
	}
	res, err := s.SetMaxBytes(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, int64(200), s.MaxBytes())
}

// TestSetMaxBytes_ConcurrentPuts resizes the budget while writers and
// readers run; run with -race.
func TestSetMaxBytes_ConcurrentPuts(t *testing.T) {
	s := setupStore(t, 400)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 20; i++ {
				if _, err := s.Put(ctx, key(w*100+i), image(byte(i), 100), ""); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			budget := int64(200)
			if i%2 == 0 {
				budget = 400
			}
			if _, err := s.SetMaxBytes(ctx, budget); err != nil {
				errs <- err
				return
			}
			if _, err := s.Stats(ctx); err != nil {
				errs <- err
				return
			}
			_ = s.MaxBytes()
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent cache use failed: %v", err)
	}

	if _, err := s.SetMaxBytes(ctx, 50); err != nil {
		t.Fatalf("SetMaxBytes() failed: %v", err)
	}
	if _, err := s.Put(ctx, key(999), image('x', 100), ""); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Put() after shrinking budget = %v, want ErrTooLarge", err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.MaxBytes != 50 || stats.Bytes > stats.MaxBytes {
		t.Fatalf("Stats() = %d/%d bytes, want usage within a 50 byte budget", stats.Bytes, stats.MaxBytes)
	}
}

func TestInvalidateDocument(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	for page := 1; page <= 3; page++ {
		_, err := s.Put(ctx, key(page), image(byte(page), 10), "")
		require.NoError(t, err)
	}
	other := Key{DocumentID: "doc-2", Page: 1, DPI: 72}
	_, err := s.Put(ctx, other, image('q', 10), "")
	require.NoError(t, err)

	n, err := s.InvalidateDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	has, err := s.Has(ctx, other)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestGet_MissingBlobIsMiss(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	entry, err := s.Put(ctx, key(1), image('a', 64), "")
	require.NoError(t, err)
	require.NoError(t, os.Remove(blobPath(s.Dir(), entry.Hash)))

	_, _, err = s.Get(ctx, key(1))
	assert.ErrorIs(t, err, ErrMiss)

	has, err := s.Has(ctx, key(1))
	require.NoError(t, err)
	assert.False(t, has, "entry is dropped after the blob vanished")
}

func TestGet_CorruptedBlobIsMiss(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	entry, err := s.Put(ctx, key(1), image('a', 64), "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(blobPath(s.Dir(), entry.Hash), image('b', 64), 0o644))

	_, _, err = s.Get(ctx, key(1))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestForgetBlob(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	data := image('s', 32)
	for page := 1; page <= 2; page++ {
		_, err := s.Put(ctx, key(page), data, "")
		require.NoError(t, err)
	}

	n, err := s.ForgetBlob(ctx, HashOf(data))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Blobs)
}

func TestClear(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	for page := 1; page <= 3; page++ {
		_, err := s.Put(ctx, key(page), image(byte(page), 10), "")
		require.NoError(t, err)
	}
	require.NoError(t, s.Clear(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Bytes)

	files, err := listBlobs(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestReconcile(t *testing.T) {
	s := setupStore(t, 1<<20)
	ctx := context.Background()

	kept, err := s.Put(ctx, key(1), image('k', 16), "")
	require.NoError(t, err)
	lost, err := s.Put(ctx, key(2), image('l', 16), "")
	require.NoError(t, err)
	require.NoError(t, os.Remove(blobPath(s.Dir(), lost.Hash)))

	stray := image('s', 16)
	require.NoError(t, writeBlob(s.Dir(), HashOf(stray), stray))

	res, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingBlobs)
	assert.Equal(t, 1, res.OrphanFiles)

	assert.FileExists(t, blobPath(s.Dir(), kept.Hash))
	assert.NoFileExists(t, blobPath(s.Dir(), HashOf(stray)))
	has, err := s.Has(ctx, key(2))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHashFromPath(t *testing.T) {
	h := HashOf([]byte("page"))
	assert.Equal(t, h, HashFromPath(blobPath("/cache", h)))
	assert.Empty(t, HashFromPath("/cache/ab/not-a-hash.bin"))
	assert.Empty(t, HashFromPath("/cache/ab/"+h+".tmp"))
}
