package sync

import (
	"context"
	"time"

	"github.com/digilib/digisync/internal/offline/events"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/schema"
)

// Engine keeps the local database and the server in agreement.
type Engine interface {
	// Save writes a record locally and queues it for push.
	//
	// A zero UpdatedAt is set to the current time. Writes older than the
	// stored version fail with ErrStale; edits of a deleted comment fail
	// with ErrDeleted. A record with Deleted set is stored as a tombstone.
	//
	// Example:
	//   err := engine.Save(ctx, &schema.Bookmark{Meta: schema.Meta{ID: id}, ...})
	Save(ctx context.Context, rec schema.Record) error

	// Delete replaces a record with a tombstone and queues the delete.
	//
	// Returns an error wrapping db.ErrNotFound if the record does not exist.
	Delete(ctx context.Context, kind schema.Kind, id string) error

	// Get returns a live record.
	//
	// Tombstones are reported as db.ErrNotFound.
	Get(ctx context.Context, kind schema.Kind, id string) (schema.Record, error)

	// Push sends queued jobs to the server in batches until no job is ready.
	//
	// Accepted jobs are acknowledged and their records marked synced.
	// Rejected jobs fail permanently unless the server marks them
	// retryable; transport failures put the jobs back with backoff.
	Push(ctx context.Context) (PushReport, error)

	// Pull fetches manifests from the stored checkpoint and applies them.
	//
	// Every page of changes is applied in one transaction together with the
	// checkpoint, so an interrupted pull resumes where it stopped.
	Pull(ctx context.Context) (PullReport, error)

	// SyncNow pushes, then pulls.
	//
	// Returns ErrSyncInProgress if another sync operation is running.
	SyncNow(ctx context.Context) (Report, error)

	// Status returns the engine state and queue statistics.
	Status(ctx context.Context) (Status, error)

	// ResetCheckpoint makes the next pull start at t. The zero time
	// re-pulls everything.
	ResetCheckpoint(ctx context.Context, t time.Time) error

	// Recover returns jobs left in flight by a previous run to the queue.
	// Call it once at startup.
	Recover(ctx context.Context) (int, error)

	// Events returns the bus the engine publishes to.
	Events() *events.Bus
}

// State is the engine's current activity.
type State string

const (
	StateIdle    State = "idle"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
	StateOffline State = "offline"
	StateError   State = "error"
)

// PushReport summarizes a push.
type PushReport struct {
	Batches  int `json:"batches" yaml:"batches"`
	Pushed   int `json:"pushed" yaml:"pushed"`
	Rejected int `json:"rejected" yaml:"rejected"`
	Retried  int `json:"retried" yaml:"retried"`
	Failed   int `json:"failed" yaml:"failed"`
}

// PullReport summarizes a pull.
type PullReport struct {
	Pages     int `json:"pages" yaml:"pages"`
	Received  int `json:"received" yaml:"received"`
	Applied   int `json:"applied" yaml:"applied"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	KeptLocal int `json:"kept_local" yaml:"kept_local"`
	Invalid   int `json:"invalid" yaml:"invalid"`
	// Conflicts counts remote changes that met queued local edits.
	Conflicts   int       `json:"conflicts" yaml:"conflicts"`
	DroppedJobs int       `json:"dropped_jobs" yaml:"dropped_jobs"`
	Checkpoint  time.Time `json:"checkpoint" yaml:"checkpoint"`
}

// Report summarizes SyncNow.
type Report struct {
	Push     PushReport    `json:"push" yaml:"push"`
	Pull     PullReport    `json:"pull" yaml:"pull"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Status is a snapshot of engine state.
type Status struct {
	State      State          `json:"state" yaml:"state"`
	LastSync   time.Time      `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	LastError  string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Checkpoint time.Time      `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Cursor     string         `json:"cursor,omitempty" yaml:"cursor,omitempty"`
	Queue      jobqueue.Stats `json:"queue" yaml:"queue"`
	// Unsynced counts records, tombstones included, the server has not
	// acknowledged.
	Unsynced int `json:"unsynced" yaml:"unsynced"`
	Records  int `json:"records" yaml:"records"`
}
