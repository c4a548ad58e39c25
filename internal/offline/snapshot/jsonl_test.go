package snapshot

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digilib/digisync/internal/offline/conflict"
	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/schema"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.InitSchema())
	return database
}

func bookmark(id string, at time.Time, title string) *schema.Bookmark {
	return &schema.Bookmark{
		Meta:       schema.Meta{ID: id, UpdatedAt: at},
		DocumentID: "doc-1",
		Page:       4,
		Title:      title,
	}
}

func seed(t *testing.T, database *db.DB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, database.PutRecord(ctx, &schema.Document{
		Meta:   schema.Meta{ID: "doc-1", UpdatedAt: base},
		Title:  "Field Guide",
		Format: schema.FormatPDF,
	}, true))
	require.NoError(t, database.PutRecord(ctx, bookmark("b1", base, "Synced"), true))
	require.NoError(t, database.PutRecord(ctx, bookmark("b2", base.Add(time.Minute), "Local edit"), false))
	require.NoError(t, database.PutRecord(ctx, &schema.Page{
		Meta:       schema.Meta{ID: schema.PageID("doc-1", 1), UpdatedAt: base},
		DocumentID: "doc-1",
		PageNumber: 1,
		Text:       "page text",
	}, true))

	gone := bookmark("b3", base.Add(2*time.Minute), "Gone")
	gone.Deleted = true
	require.NoError(t, database.PutRecord(ctx, gone, true))
}

func TestExport(t *testing.T) {
	database := openTestDB(t)
	seed(t, database)

	var buf bytes.Buffer
	result, err := Export(context.Background(), database, &buf, ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Records, "pages and tombstones are skipped by default")
	assert.Equal(t, 2, result.ByKind[schema.KindBookmark])

	lines, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	// Oldest first; equal timestamps by kind.
	assert.Equal(t, schema.KindBookmark, lines[0].Kind)
	assert.True(t, lines[0].Synced)
	assert.Equal(t, schema.KindDocument, lines[1].Kind)
	assert.False(t, lines[2].Synced)

	change, err := lines[2].Change()
	require.NoError(t, err)
	assert.Equal(t, "b2", change.EntityID)
	assert.Equal(t, OriginSnapshot, change.Origin)
}

func TestExport_Options(t *testing.T) {
	database := openTestDB(t)
	seed(t, database)

	tests := []struct {
		name string
		opts ExportOptions
		want int
	}{
		{"with tombstones", ExportOptions{IncludeDeleted: true}, 4},
		{"with pages", ExportOptions{IncludePages: true}, 4},
		{"everything", ExportOptions{IncludeDeleted: true, IncludePages: true}, 5},
		{"bookmarks only", ExportOptions{Kinds: []schema.Kind{schema.KindBookmark}}, 2},
		{"pages filtered by kind", ExportOptions{Kinds: []schema.Kind{schema.KindPage}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			result, err := Export(context.Background(), database, &buf, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Records)
		})
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openTestDB(t)
	seed(t, src)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "out", BackupName(base))
	_, err := ExportFile(ctx, src, path, ExportOptions{IncludeDeleted: true})
	require.NoError(t, err)

	dst := openTestDB(t)
	queue := jobqueue.New(dst, jobqueue.DefaultConfig())
	result, err := ImportFile(ctx, dst, nil, path, ImportOptions{Queue: queue})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Read)
	assert.Equal(t, 4, result.Applied)
	assert.Equal(t, 1, result.Queued, "unsynced b2 is queued")

	rec, err := dst.GetRecord(ctx, schema.KindBookmark, "b1")
	require.NoError(t, err)
	assert.True(t, rec.Header().Synced)

	rec, err = dst.GetRecord(ctx, schema.KindBookmark, "b2")
	require.NoError(t, err)
	assert.False(t, rec.Header().Synced)
	assert.Equal(t, "Local edit", rec.(*schema.Bookmark).Title)

	rec, err = dst.GetRecord(ctx, schema.KindBookmark, "b3")
	require.NoError(t, err)
	assert.True(t, rec.Header().Deleted)

	jobs, err := queue.List(ctx, jobqueue.Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b2", jobs[0].EntityID)

	// Importing again changes nothing.
	result, err = ImportFile(ctx, dst, nil, path, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Skipped)
}

func TestImport_KeepsNewerLocal(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.PutRecord(ctx, bookmark("b1", base.Add(time.Hour), "Newer"), true))

	var buf bytes.Buffer
	src := openTestDB(t)
	require.NoError(t, src.PutRecord(ctx, bookmark("b1", base, "Older"), true))
	_, err := Export(ctx, src, &buf, ExportOptions{})
	require.NoError(t, err)

	result, err := Import(ctx, database, conflict.New(), &buf, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.KeptLocal)

	rec, err := database.GetRecord(ctx, schema.KindBookmark, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Newer", rec.(*schema.Bookmark).Title)
}

func TestImport_DryRun(t *testing.T) {
	src := openTestDB(t)
	seed(t, src)
	ctx := context.Background()

	var buf bytes.Buffer
	_, err := Export(ctx, src, &buf, ExportOptions{})
	require.NoError(t, err)

	dst := openTestDB(t)
	result, err := Import(ctx, dst, nil, &buf, ImportOptions{DryRun: true, BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)

	n, err := dst.CountRecords(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestImport_InvalidLines(t *testing.T) {
	database := openTestDB(t)
	input := strings.Join([]string{
		`{"kind":"bookmark","synced":true,"record":{"id":"b1","updated_at":"2026-03-01T12:00:00Z","document_id":"doc-1","page":1}}`,
		`{"kind":"unicorn","synced":true,"record":{"id":"u1"}}`,
		`{"kind":"bookmark","synced":true,"record":{"id":"b2","updated_at":"2026-03-01T12:00:00Z","page":0}}`,
	}, "\n")

	result, err := Import(context.Background(), database, nil, strings.NewReader(input), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Read)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 2, result.Invalid)
	assert.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "line 2")
}

func TestImport_MalformedJSON(t *testing.T) {
	database := openTestDB(t)
	_, err := Import(context.Background(), database, nil, strings.NewReader(`{"kind":`), ImportOptions{})
	assert.Error(t, err)
}

func TestBackupName(t *testing.T) {
	assert.Equal(t, "digisync-20260301-120000.jsonl", BackupName(base))
}
