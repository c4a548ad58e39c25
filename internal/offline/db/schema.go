package db

import (
	"context"
	"fmt"
	"strings"
)

// Searchable kinds and the projection that feeds search_idx from a records
// row. The same projection serves the triggers and search.Rebuild.
const searchableKinds = `('document', 'page', 'bookmark', 'comment', 'tag')`

const searchProjection = `
	{r}.kind, {r}.id, {r}.document_id,
	COALESCE(json_extract({r}.payload, '$.page_number'), json_extract({r}.payload, '$.page'), 0),
	CASE {r}.kind
		WHEN 'document' THEN COALESCE(json_extract({r}.payload, '$.title'), '')
		WHEN 'bookmark' THEN COALESCE(json_extract({r}.payload, '$.title'), '')
		WHEN 'tag' THEN COALESCE(json_extract({r}.payload, '$.name'), '')
		ELSE ''
	END,
	CASE {r}.kind
		WHEN 'document' THEN trim(COALESCE(json_extract({r}.payload, '$.author'), '') || ' ' ||
		                          COALESCE(json_extract({r}.payload, '$.filename'), ''))
		WHEN 'page' THEN COALESCE(json_extract({r}.payload, '$.text'), '')
		WHEN 'bookmark' THEN COALESCE(json_extract({r}.payload, '$.note'), '')
		WHEN 'comment' THEN COALESCE(json_extract({r}.payload, '$.body'), '')
		ELSE ''
	END`

// SearchInsertSQL returns an INSERT ... SELECT statement that indexes the
// records row referenced by alias ("new" in a trigger, or "r" with
// from = "FROM records r"). Callers may append conditions starting with AND.
func SearchInsertSQL(alias, from string) string {
	proj := strings.ReplaceAll(searchProjection, "{r}", alias)
	return fmt.Sprintf(`INSERT INTO search_idx (kind, record_id, document_id, page, title, body)
	SELECT %s %s
	WHERE %s.deleted = 0 AND %s.kind IN %s`, proj, from, alias, alias, searchableKinds)
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Synchronized entities
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		document_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,  -- JSON
		updated_ns INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		synced INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_document ON records(document_id, kind);
	CREATE INDEX IF NOT EXISTS idx_records_unsynced ON records(kind) WHERE synced = 0;

	-- Offline mutation queue
	CREATE TABLE IF NOT EXISTS jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_ns INTEGER NOT NULL,
		updated_ns INTEGER NOT NULL,
		next_attempt_ns INTEGER NOT NULL,
		changed_ns INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, next_attempt_ns, seq);
	CREATE INDEX IF NOT EXISTS idx_jobs_entity ON jobs(kind, entity_id);

	-- Checkpoint, cursor and other sync state
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_ns INTEGER NOT NULL
	);

	-- Page image cache
	CREATE TABLE IF NOT EXISTS cache_blobs (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		created_ns INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		document_id TEXT NOT NULL,
		page INTEGER NOT NULL,
		dpi INTEGER NOT NULL,
		hash TEXT NOT NULL REFERENCES cache_blobs(hash),
		mime TEXT NOT NULL DEFAULT '',
		created_ns INTEGER NOT NULL,
		accessed_ns INTEGER NOT NULL,
		PRIMARY KEY (document_id, page, dpi)
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_lru ON cache_entries(accessed_ns);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_hash ON cache_entries(hash);

	-- Local full-text search
	CREATE VIRTUAL TABLE IF NOT EXISTS search_idx USING fts5(
		kind UNINDEXED,
		record_id UNINDEXED,
		document_id UNINDEXED,
		page UNINDEXED,
		title,
		body,
		tokenize = 'unicode61 remove_diacritics 2'
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS records_search_ai AFTER INSERT ON records
		BEGIN
			` + SearchInsertSQL("new", "") + `;
		END`,
		`CREATE TRIGGER IF NOT EXISTS records_search_au AFTER UPDATE ON records
		BEGIN
			DELETE FROM search_idx WHERE kind = old.kind AND record_id = old.id;
			` + SearchInsertSQL("new", "") + `;
		END`,
		`CREATE TRIGGER IF NOT EXISTS records_search_ad AFTER DELETE ON records
		BEGIN
			DELETE FROM search_idx WHERE kind = old.kind AND record_id = old.id;
		END`,
	}
	for _, trigger := range triggers {
		if _, err := db.conn.ExecContext(ctx, trigger); err != nil {
			return fmt.Errorf("failed to create search trigger: %w", err)
		}
	}

	return nil
}
