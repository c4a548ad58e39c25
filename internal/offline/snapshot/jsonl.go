// Package snapshot exports the local database as JSON Lines and imports
// such files back, e.g. to bootstrap a new device from a backup without a
// full manifest pull.
//
// Each line holds one record:
//
//	{"kind":"bookmark","synced":true,"record":{"id":"...","updated_at":"...",...}}
//
// Imports go through the conflict resolver, so importing an old snapshot
// never overwrites newer local data.
package snapshot

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/digilib/digisync/internal/offline/conflict"
	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/schema"
)

// OriginSnapshot marks changes read from a snapshot file.
const OriginSnapshot = "snapshot"

// exportPageSize is the number of records read per query while exporting.
const exportPageSize = 500

// Line is one record of a snapshot file.
type Line struct {
	Kind   schema.Kind     `json:"kind"`
	Synced bool            `json:"synced"`
	Record json.RawMessage `json:"record"`
}

// Change converts the line into a change for conflict resolution.
func (l *Line) Change() (*schema.SyncChange, error) {
	rec, err := schema.DecodeRecord(l.Kind, l.Record)
	if err != nil {
		return nil, err
	}
	c, err := schema.ChangeFor(rec, OriginSnapshot)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ExportOptions configures Export.
type ExportOptions struct {
	// Kinds limits the export (empty = all kinds)
	Kinds []schema.Kind
	// IncludeDeleted exports tombstones too
	IncludeDeleted bool
	// IncludePages exports extracted page text, which can otherwise be
	// re-derived from the documents
	IncludePages bool
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Records int
	ByKind  map[schema.Kind]int
}

// Export writes matching records to w, one JSON object per line.
func Export(ctx context.Context, database *db.DB, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	result := &ExportResult{ByKind: make(map[schema.Kind]int)}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []schema.Kind{""}
	}

	for _, kind := range kinds {
		for offset := 0; ; offset += exportPageSize {
			records, err := database.ListRecords(ctx, db.RecordFilter{
				Kind:           kind,
				IncludeDeleted: opts.IncludeDeleted,
				Limit:          exportPageSize,
				Offset:         offset,
			})
			if err != nil {
				return nil, err
			}

			for _, rec := range records {
				if rec.Kind() == schema.KindPage && !opts.IncludePages {
					continue
				}
				payload, err := schema.EncodeRecord(rec)
				if err != nil {
					return nil, err
				}
				line := Line{Kind: rec.Kind(), Synced: rec.Header().Synced, Record: payload}
				if err := enc.Encode(line); err != nil {
					return nil, fmt.Errorf("failed to write record: %w", err)
				}
				result.Records++
				result.ByKind[rec.Kind()]++
			}

			if len(records) < exportPageSize {
				break
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return result, nil
}

// ExportFile writes a snapshot to path atomically via a temp file.
func ExportFile(ctx context.Context, database *db.DB, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, database, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// Read parses snapshot lines from r.
func Read(r io.Reader) ([]Line, error) {
	var lines []Line
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var line Line
		if err := decoder.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++
		lines = append(lines, line)
	}
	return lines, nil
}

// ImportOptions configures Import.
type ImportOptions struct {
	// DryRun resolves every line but rolls the changes back
	DryRun bool

	// Queue, when set, receives a job for every imported record that was
	// not synced in the snapshot, so edits made on the exporting device
	// still reach the server
	Queue *jobqueue.Queue

	// BatchSize is the number of lines applied per transaction (default: 200)
	BatchSize int
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read      int
	Applied   int
	Skipped   int
	KeptLocal int
	Queued    int
	Invalid   int
	Errors    []string
}

var errDryRun = errors.New("dry run")

// Import applies snapshot lines through the resolver. Snapshot records act
// like server changes: older-than-local records are ignored and newer ones
// replace local state.
func Import(ctx context.Context, database *db.DB, resolver *conflict.Resolver, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	if resolver == nil {
		resolver = conflict.New()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}

	lines, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	result := &ImportResult{Read: len(lines)}
	for start := 0; start < len(lines); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(lines))
		batch := *result

		err := database.WithTx(ctx, func(tx *sql.Tx) error {
			batch = *result
			batch.Errors = append([]string(nil), result.Errors...)
			for i := start; i < end; i++ {
				if err := importLine(ctx, tx, resolver, &lines[i], i+1, opts, &batch); err != nil {
					return err
				}
			}
			if opts.DryRun {
				return errDryRun
			}
			return nil
		})
		if err != nil && !errors.Is(err, errDryRun) {
			return result, fmt.Errorf("failed to import lines %d-%d: %w", start+1, end, err)
		}
		*result = batch
	}
	return result, nil
}

func importLine(ctx context.Context, tx *sql.Tx, resolver *conflict.Resolver, line *Line, lineNum int, opts ImportOptions, result *ImportResult) error {
	change, err := line.Change()
	if err != nil {
		result.Invalid++
		result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		return nil
	}

	local, err := db.GetRecordTx(ctx, tx, change.Kind, change.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	jobs, err := jobqueue.EntityJobsTx(ctx, tx, change.Kind, change.EntityID)
	if err != nil {
		return err
	}

	d, err := resolver.Resolve(change, conflict.LocalState{Record: local, Pending: len(jobs) > 0})
	if err != nil {
		result.Invalid++
		result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		return nil
	}

	switch d.Action {
	case conflict.ApplyRemote:
		remaining := len(jobs)
		if d.DropPendingJobs {
			n, err := jobqueue.DropPendingForEntityTx(ctx, tx, change.Kind, change.EntityID)
			if err != nil {
				return err
			}
			remaining -= n
		}

		queue := !line.Synced && opts.Queue != nil && change.Kind != schema.KindPage
		synced := line.Synced && remaining == 0
		if err := db.PutRecordTx(ctx, tx, d.Record, synced); err != nil {
			return err
		}
		if queue {
			c, err := schema.ChangeFor(d.Record, schema.OriginLocal)
			if err != nil {
				return err
			}
			if _, err := opts.Queue.EnqueueTx(ctx, tx, c); err != nil {
				return err
			}
			result.Queued++
		}
		result.Applied++

	case conflict.Skip:
		result.Skipped++

	case conflict.KeepLocal:
		result.KeptLocal++
	}
	return nil
}

// ImportFile imports the snapshot at path.
func ImportFile(ctx context.Context, database *db.DB, resolver *conflict.Resolver, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return Import(ctx, database, resolver, f, opts)
}

// BackupName returns a timestamped file name for an export, e.g.
// digisync-20260301-120000.jsonl.
func BackupName(t time.Time) string {
	return "digisync-" + t.UTC().Format("20060102-150405") + ".jsonl"
}
