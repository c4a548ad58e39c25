package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known sync_meta keys.
const (
	MetaCheckpoint = "checkpoint"
	MetaCursor     = "cursor"
	MetaLastSync   = "last_sync"
	MetaLastError  = "last_error"
)

// GetMeta returns the value stored under key, or "" if unset.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	return GetMetaTx(ctx, db.conn, key)
}

// GetMetaTx returns the value stored under key using q.
func GetMetaTx(ctx context.Context, q Querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores value under key.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	return SetMetaTx(ctx, db.conn, key, value)
}

// SetMetaTx stores value under key using q. An empty value deletes the key.
func SetMetaTx(ctx context.Context, q Querier, key, value string) error {
	if value == "" {
		if _, err := q.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to clear meta %s: %w", key, err)
		}
		return nil
	}

	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_meta (key, value, updated_ns) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ns = excluded.updated_ns
	`, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// GetTimeMeta parses a timestamp stored under key. Unset keys return the
// zero time.
func (db *DB) GetTimeMeta(ctx context.Context, key string) (time.Time, error) {
	return GetTimeMetaTx(ctx, db.conn, key)
}

// GetTimeMetaTx parses a timestamp stored under key using q.
func GetTimeMetaTx(ctx context.Context, q Querier, key string) (time.Time, error) {
	value, err := GetMetaTx(ctx, q, key)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse meta %s: %w", key, err)
	}
	return t, nil
}

// SetTimeMetaTx stores t under key. The zero time clears the key.
func SetTimeMetaTx(ctx context.Context, q Querier, key string, t time.Time) error {
	if t.IsZero() {
		return SetMetaTx(ctx, q, key, "")
	}
	return SetMetaTx(ctx, q, key, t.UTC().Format(time.RFC3339Nano))
}
