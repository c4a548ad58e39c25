// Package jobqueue is the durable queue of local mutations waiting to be
// pushed to the server.
//
// Jobs live in the jobs table of the local database, so they survive
// restarts and can be written in the same transaction as the record they
// describe. Delivery is at-least-once: a job stays queued until the server
// acknowledges it.
//
// Lifecycle:
//
//	pending --Claim--> in_flight --Ack--> (removed)
//	                       |
//	                       +--Nack--> pending (retry after backoff)
//	                       +--Nack--> failed  (permanent error or attempts exhausted)
//
// Failed jobs stay in the table until RetryFailed or Drop.
package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/schema"
)

var (
	// ErrPermanent marks a push failure that retrying cannot fix, such as
	// a validation error from the server. Wrap it in the cause passed to Nack.
	ErrPermanent = errors.New("permanent failure")

	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
)

// Backoff computes retry delays: Initial * Multiplier^(attempt-1), capped
// at Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Config holds queue settings.
type Config struct {
	// MaxAttempts before a job is moved to failed
	MaxAttempts int

	Backoff Backoff

	// Clock returns the current time (nil = time.Now)
	Clock func() time.Time
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 8,
		Backoff: Backoff{
			Initial:    2 * time.Second,
			Max:        5 * time.Minute,
			Multiplier: 2,
		},
	}
}

// Queue is the offline job queue.
type Queue struct {
	db  *db.DB
	cfg Config
}

// New creates a queue on an initialized database.
func New(database *db.DB, cfg Config) *Queue {
	defaults := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = defaults.Backoff.Initial
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = defaults.Backoff.Max
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = defaults.Backoff.Multiplier
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Queue{db: database, cfg: cfg}
}

// MaxAttempts returns the configured attempt limit for new jobs.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

func (q *Queue) now() time.Time {
	return q.cfg.Clock().UTC()
}

// Enqueue adds a job for a local change. See EnqueueTx.
func (q *Queue) Enqueue(ctx context.Context, change *schema.SyncChange) (*schema.Job, error) {
	var job *schema.Job
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = q.EnqueueTx(ctx, tx, change)
		return err
	})
	return job, err
}

// EnqueueTx adds a job for a local change using tx.
//
// If a pending job for the same entity is already queued, the change is
// folded into it: op, payload and timestamp are replaced while the queue
// position is kept, so the server receives only the latest state. The
// returned job is the one that ends up in the queue.
func (q *Queue) EnqueueTx(ctx context.Context, tx db.Querier, change *schema.SyncChange) (*schema.Job, error) {
	if err := change.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change: %w", err)
	}

	now := q.now()
	job := schema.JobFromChange(change, q.cfg.MaxAttempts, now)
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	existing, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE kind = ? AND entity_id = ? AND status = ?
		ORDER BY seq DESC LIMIT 1`,
		string(job.Kind), job.EntityID, string(schema.JobPending)))
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET op = ?, payload = ?, changed_ns = ?, updated_ns = ?
		WHERE id = ?
		`, string(job.Op), nullPayload(job.Payload), db.ToNanos(job.ChangedAt), db.ToNanos(now), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to coalesce job %s: %w", existing.ID, err)
		}
		existing.Op = job.Op
		existing.Payload = job.Payload
		existing.ChangedAt = job.ChangedAt
		existing.UpdatedAt = now
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO jobs (id, kind, entity_id, op, payload, status, attempts, max_attempts,
		last_error, created_ns, updated_ns, next_attempt_ns, changed_ns)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Kind),
		job.EntityID,
		string(job.Op),
		nullPayload(job.Payload),
		string(job.Status),
		job.MaxAttempts,
		db.ToNanos(job.CreatedAt),
		db.ToNanos(job.UpdatedAt),
		db.ToNanos(job.NextAttemptAt),
		db.ToNanos(job.ChangedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}

// Claim returns up to limit ready jobs in FIFO order and marks them
// in_flight. A job is ready when it is pending, its retry time has passed,
// and no other job for the same entity is in flight.
func (q *Queue) Claim(ctx context.Context, limit int) ([]*schema.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var jobs []*schema.Job
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := q.now()
		rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND next_attempt_ns <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM jobs f
			WHERE f.kind = jobs.kind AND f.entity_id = jobs.entity_id AND f.status = ?
		  )
		ORDER BY seq ASC
		LIMIT ?
		`, string(schema.JobPending), db.ToNanos(now), string(schema.JobInFlight), limit)
		if err != nil {
			return fmt.Errorf("failed to query ready jobs: %w", err)
		}
		jobs, err = scanJobs(rows)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			_, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, updated_ns = ? WHERE id = ?`,
				string(schema.JobInFlight), db.ToNanos(now), job.ID)
			if err != nil {
				return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
			}
			job.Status = schema.JobInFlight
			job.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Ack removes a delivered job.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return AckTx(ctx, q.db.RawDB(), id)
}

// AckTx removes a delivered job using tx.
func AckTx(ctx context.Context, tx db.Querier, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ack %s: %w", id, ErrNotFound)
	}
	return nil
}

// Nack records a failed delivery attempt.
//
// The job goes back to pending with an exponential backoff delay, or to
// failed when cause wraps ErrPermanent or the attempt limit is reached.
// It returns the job's new state.
func (q *Queue) Nack(ctx context.Context, id string, cause error) (*schema.Job, error) {
	var job *schema.Job
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = getTx(ctx, tx, id)
		if err != nil {
			return err
		}

		now := q.now()
		job.Attempts++
		job.UpdatedAt = now
		if cause != nil {
			job.LastError = cause.Error()
		}

		if errors.Is(cause, ErrPermanent) || job.Attempts >= job.MaxAttempts {
			job.Status = schema.JobFailed
		} else {
			job.Status = schema.JobPending
			job.NextAttemptAt = now.Add(q.cfg.Backoff.Delay(job.Attempts))
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_ns = ?, next_attempt_ns = ?
		WHERE id = ?
		`, string(job.Status), job.Attempts, job.LastError, db.ToNanos(now), db.ToNanos(job.NextAttemptAt), id)
		if err != nil {
			return fmt.Errorf("failed to nack job %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Release returns claimed jobs to pending without counting an attempt.
// It is used when a push could not start at all, e.g. while offline.
func (q *Queue) Release(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := []any{string(schema.JobPending), db.ToNanos(q.now()), string(schema.JobInFlight)}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	res, err := q.db.RawDB().ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_ns = ? WHERE status = ? AND id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("failed to release jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Recover returns in_flight jobs to pending. Call it on startup: a job left
// in flight means the process stopped before the push completed.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	res, err := q.db.RawDB().ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_ns = ? WHERE status = ?`,
		string(schema.JobPending), db.ToNanos(q.now()), string(schema.JobInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RetryFailed moves failed jobs back to pending with a fresh attempt
// budget. With no ids every failed job is retried.
func (q *Queue) RetryFailed(ctx context.Context, ids ...string) (int, error) {
	query := `UPDATE jobs SET status = ?, attempts = 0, last_error = '', updated_ns = ?, next_attempt_ns = ?
	WHERE status = ?`
	now := db.ToNanos(q.now())
	args := []any{string(schema.JobPending), now, now, string(schema.JobFailed)}

	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND id IN (` + strings.Join(placeholders, ", ") + `)`
	}

	res, err := q.db.RawDB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to retry jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Drop deletes a job regardless of its state. The local record keeps its
// unsynced flag until the next server change for it arrives.
func (q *Queue) Drop(ctx context.Context, id string) error {
	res, err := q.db.RawDB().ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to drop job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("drop %s: %w", id, ErrNotFound)
	}
	return nil
}

// DropPendingForEntityTx deletes the pending and failed jobs for an entity.
// It is used when a remote change supersedes local edits. In-flight jobs
// are left alone; their push is already under way.
func DropPendingForEntityTx(ctx context.Context, tx db.Querier, kind schema.Kind, entityID string) (int, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE kind = ? AND entity_id = ? AND status IN (?, ?)`,
		string(kind), entityID, string(schema.JobPending), string(schema.JobFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to drop jobs for %s %s: %w", kind, entityID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// EntityJobsTx returns every queued job for an entity, oldest first.
func EntityJobsTx(ctx context.Context, tx db.Querier, kind schema.Kind, entityID string) ([]*schema.Job, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE kind = ? AND entity_id = ? ORDER BY seq ASC`,
		string(kind), entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs for %s %s: %w", kind, entityID, err)
	}
	return scanJobs(rows)
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*schema.Job, error) {
	return getTx(ctx, q.db.RawDB(), id)
}

func getTx(ctx context.Context, tx db.Querier, id string) (*schema.Job, error) {
	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// Filter configures List.
type Filter struct {
	// Status filters by job status (empty = all)
	Status schema.JobStatus
	// Kind filters by entity kind (empty = all)
	Kind schema.Kind
	// EntityID filters by entity (empty = all)
	EntityID string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// List returns jobs matching the filter in queue order.
func (q *Queue) List(ctx context.Context, filter Filter) ([]*schema.Job, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

// Stats summarizes the queue.
type Stats struct {
	Pending  int `json:"pending" yaml:"pending"`
	InFlight int `json:"in_flight" yaml:"in_flight"`
	Failed   int `json:"failed" yaml:"failed"`

	// OldestPending is the creation time of the oldest pending job.
	OldestPending time.Time `json:"oldest_pending,omitempty" yaml:"oldest_pending,omitempty"`
	// NextAttempt is the earliest retry time among pending jobs.
	NextAttempt time.Time `json:"next_attempt,omitempty" yaml:"next_attempt,omitempty"`
}

// Total returns the number of queued jobs in any state.
func (s Stats) Total() int {
	return s.Pending + s.InFlight + s.Failed
}

// Stats returns queue counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	rows, err := q.db.RawDB().QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("failed to scan job count: %w", err)
		}
		switch schema.JobStatus(status) {
		case schema.JobPending:
			stats.Pending = n
		case schema.JobInFlight:
			stats.InFlight = n
		case schema.JobFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating job counts: %w", err)
	}

	if stats.Pending > 0 {
		var oldest, next int64
		err := q.db.RawDB().QueryRowContext(ctx,
			`SELECT MIN(created_ns), MIN(next_attempt_ns) FROM jobs WHERE status = ?`,
			string(schema.JobPending)).Scan(&oldest, &next)
		if err != nil {
			return stats, fmt.Errorf("failed to read pending bounds: %w", err)
		}
		stats.OldestPending = db.FromNanos(oldest)
		stats.NextAttempt = db.FromNanos(next)
	}
	return stats, nil
}

const jobColumns = `id, kind, entity_id, op, payload, status, attempts, max_attempts,
	last_error, created_ns, updated_ns, next_attempt_ns, changed_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*schema.Job, error) {
	var (
		job                                   schema.Job
		kind, op, status                      string
		payload                               sql.NullString
		createdNs, updatedNs, nextNs, changed int64
	)
	err := row.Scan(&job.ID, &kind, &job.EntityID, &op, &payload, &status,
		&job.Attempts, &job.MaxAttempts, &job.LastError,
		&createdNs, &updatedNs, &nextNs, &changed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Kind = schema.Kind(kind)
	job.Op = schema.Op(op)
	job.Status = schema.JobStatus(status)
	if payload.Valid && payload.String != "" {
		job.Payload = []byte(payload.String)
	}
	job.CreatedAt = db.FromNanos(createdNs)
	job.UpdatedAt = db.FromNanos(updatedNs)
	job.NextAttemptAt = db.FromNanos(nextNs)
	job.ChangedAt = db.FromNanos(changed)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*schema.Job, error) {
	defer rows.Close()

	var jobs []*schema.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func nullPayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
