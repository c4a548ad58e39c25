package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/digilib/digisync/internal/offline/schema"
)

// StoredRecord is a decoded records row.
type StoredRecord struct {
	Record schema.Record
	Synced bool
}

// PutRecord inserts or updates a record.
//
// synced marks whether the server already has this version; local edits are
// written with synced=false and a queued job.
func (db *DB) PutRecord(ctx context.Context, rec schema.Record, synced bool) error {
	return PutRecordTx(ctx, db.conn, rec, synced)
}

// PutRecordTx inserts or updates a record using q.
func PutRecordTx(ctx context.Context, q Querier, rec schema.Record, synced bool) error {
	if err := schema.ValidateRecord(rec); err != nil {
		return fmt.Errorf("invalid %s: %w", rec.Kind(), err)
	}

	payload, err := schema.EncodeRecord(rec)
	if err != nil {
		return err
	}

	h := rec.Header()
	query := `
	INSERT INTO records (kind, id, document_id, payload, updated_ns, deleted, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		document_id = excluded.document_id,
		payload = excluded.payload,
		updated_ns = excluded.updated_ns,
		deleted = excluded.deleted,
		synced = excluded.synced
	`

	_, err = q.ExecContext(ctx, query,
		string(rec.Kind()),
		h.ID,
		rec.DocumentRef(),
		string(payload),
		ToNanos(h.UpdatedAt),
		boolToInt(h.Deleted),
		boolToInt(synced),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.Kind(), h.ID, err)
	}
	h.Synced = synced
	return nil
}

// GetRecord retrieves a single record, tombstones included.
// Returns ErrNotFound if the record does not exist.
func (db *DB) GetRecord(ctx context.Context, kind schema.Kind, id string) (schema.Record, error) {
	return GetRecordTx(ctx, db.conn, kind, id)
}

// GetRecordTx retrieves a single record using q.
func GetRecordTx(ctx context.Context, q Querier, kind schema.Kind, id string) (schema.Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT kind, payload, synced FROM records WHERE kind = ? AND id = ?`,
		string(kind), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// HardDeleteRecord removes a record row entirely. Tombstones are normally
// kept so later stale updates cannot resurrect the entity; this is used for
// local-only data such as extracted pages.
func (db *DB) HardDeleteRecord(ctx context.Context, kind schema.Kind, id string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

// RecordFilter configures ListRecords.
type RecordFilter struct {
	// Kind filters by entity kind (empty = all kinds)
	Kind schema.Kind
	// DocumentID filters by owning document (empty = all)
	DocumentID string
	// IncludeDeleted returns tombstones too
	IncludeDeleted bool
	// UnsyncedOnly returns only records the server has not acknowledged
	UnsyncedOnly bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results (for pagination)
	Offset int
}

// ListRecords retrieves records matching the filter, oldest update first.
func (db *DB) ListRecords(ctx context.Context, filter RecordFilter) ([]schema.Record, error) {
	var conditions []string
	var args []any

	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.DocumentID != "" {
		conditions = append(conditions, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if filter.UnsyncedOnly {
		conditions = append(conditions, "synced = 0")
	}

	query := `SELECT kind, payload, synced FROM records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_ns ASC, kind ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// MarkSyncedTx flags a record as synced, unless more jobs for it are still
// queued. Returns true if the flag was set.
func MarkSyncedTx(ctx context.Context, q Querier, kind schema.Kind, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `
	UPDATE records SET synced = 1
	WHERE kind = ? AND id = ?
	  AND NOT EXISTS (SELECT 1 FROM jobs WHERE kind = ? AND entity_id = ?)
	`, string(kind), id, string(kind), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s synced: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CountRecords returns the number of live records of a kind ("" = all kinds).
func (db *DB) CountRecords(ctx context.Context, kind schema.Kind) (int, error) {
	query := `SELECT COUNT(*) FROM records WHERE deleted = 0`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// CountByKind returns live record counts grouped by kind.
func (db *DB) CountByKind(ctx context.Context) (map[schema.Kind]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM records WHERE deleted = 0 GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[schema.Kind(kind)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (schema.Record, error) {
	var kind, payload string
	var synced int
	if err := row.Scan(&kind, &payload, &synced); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec, err := schema.DecodeRecord(schema.Kind(kind), []byte(payload))
	if err != nil {
		return nil, err
	}
	rec.Header().Synced = synced == 1
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarkSynced flags a record as synced unless jobs for it remain queued.
func (db *DB) MarkSynced(ctx context.Context, kind schema.Kind, id string) (bool, error) {
	return MarkSyncedTx(ctx, db.conn, kind, id)
}

// CountUnsynced returns the number of records, tombstones included, that
// the server has not acknowledged.
func (db *DB) CountUnsynced(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE synced = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unsynced records: %w", err)
	}
	return count, nil
}
