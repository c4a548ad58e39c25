package loadtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallOptions() Options {
	return Options{
		Documents:   6,
		PagesPerDoc: 10,
		PageBytes:   2 << 10,
		CacheBytes:  32 << 10,
	}
}

func newLibrary(t *testing.T) *TestLibrary {
	t.Helper()
	lib, err := CreateTestLibrary(context.Background(), t.TempDir(), smallOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}

func TestCreateTestLibrary(t *testing.T) {
	lib := newLibrary(t)
	ctx := context.Background()

	if len(lib.Docs) != 6 {
		t.Errorf("Expected 6 documents, got %d", len(lib.Docs))
	}

	count, err := lib.Index.Count(ctx)
	require.NoError(t, err)
	// one row per document plus one per page
	assert.Equal(t, 6+6*10, count)
}

func TestRunPageLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}
	lib := newLibrary(t)
	ctx := context.Background()

	stats, err := lib.RunPageLoad(ctx, 8, 40)
	require.NoError(t, err)

	if stats.TotalQueries != 8*40 {
		t.Errorf("Expected %d operations, got %d", 8*40, stats.TotalQueries)
	}
	if stats.Errors != 0 {
		t.Errorf("Expected no errors, got %d", stats.Errors)
	}
	// The skewed access pattern must produce cache hits.
	assert.Less(t, lib.Renders(), int64(stats.TotalQueries))

	cs, err := lib.Cache.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, cs.Bytes, lib.Options.CacheBytes, "cache exceeded its budget")
}

func TestRunQueueLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}
	lib := newLibrary(t)
	ctx := context.Background()

	stats, err := lib.RunQueueLoad(ctx, 4, 25)
	require.NoError(t, err)
	assert.Equal(t, 100, stats.TotalQueries)
	assert.Zero(t, stats.Errors)

	qs, err := lib.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, qs.Failed)
	// coalescing keeps at most one pending job per bookmark id
	assert.LessOrEqual(t, qs.Pending, len(lib.Docs)*5)
}

func TestRunSearchLoad(t *testing.T) {
	lib := newLibrary(t)

	stats, err := lib.RunSearchLoad(context.Background(), 4, 20)
	require.NoError(t, err)
	assert.Equal(t, 80, stats.TotalQueries)
	assert.Zero(t, stats.Errors)
}

func TestRunCanceled(t *testing.T) {
	lib := newLibrary(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lib.RunSearchLoad(ctx, 2, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[len(durations)-1-i] = time.Duration(i+1) * time.Millisecond
	}

	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond {
		t.Errorf("Expected min 1ms, got %v", stats.Min)
	}
	if stats.Max != 100*time.Millisecond {
		t.Errorf("Expected max 100ms, got %v", stats.Max)
	}
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 100, stats.TotalQueries)
	// input is left untouched
	assert.Equal(t, 100*time.Millisecond, durations[0])

	empty := computeLatencyStats(nil)
	assert.Zero(t, empty.TotalQueries)
}

func TestPrintStats(t *testing.T) {
	stats := computeLatencyStats([]time.Duration{time.Millisecond, 3 * time.Millisecond})
	var buf bytes.Buffer
	stats.PrintStats(&buf, "Cache reads")

	out := buf.String()
	assert.Contains(t, out, "Cache reads:")
	assert.Contains(t, out, "Operations:    2")
	assert.Contains(t, out, "Max:           3ms")
}
