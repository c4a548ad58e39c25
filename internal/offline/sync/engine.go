package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/digilib/digisync/internal/offline/conflict"
	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/events"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/remote"
	"github.com/digilib/digisync/internal/offline/schema"
)

var (
	// ErrSyncInProgress is returned when a sync operation is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrStale is returned by Save for writes older than the stored record.
	ErrStale = conflict.ErrStale

	// ErrDeleted is returned by Save for edits of a deleted comment.
	ErrDeleted = conflict.ErrDeleted

	// ErrDerived is returned by Save for kinds that are produced locally
	// and never synced, such as extracted page text.
	ErrDerived = errors.New("record kind is derived locally")
)

// Config holds engine settings.
type Config struct {
	// BatchSize is the number of jobs per push request (default: 50)
	BatchSize int

	// ManifestLimit is the page size requested from the server (default: 200)
	ManifestLimit int

	// MaxPages bounds manifest pages per pull (default: 1000)
	MaxPages int

	// Bus receives engine events (default: a new bus)
	Bus *events.Bus

	// Logger for sync activity (default: stderr logger)
	Logger *log.Logger

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// engine implements the Engine interface.
type engine struct {
	db       *db.DB
	queue    *jobqueue.Queue
	resolver *conflict.Resolver
	client   remote.Client
	cfg      Config
	bus      *events.Bus
	logger   *log.Logger

	running atomic.Bool

	mu    stdsync.Mutex
	state State
}

// New creates a sync engine.
//
// The database must be initialized and have its schema created before
// passing to this function.
//
// Example:
//
//	database, err := db.Open(filepath.Join(dataDir, "digisync.db"))
//	if err != nil {
//	    return err
//	}
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
//	engine := sync.New(database, jobqueue.New(database, jobqueue.DefaultConfig()), conflict.New(), client, sync.Config{})
func New(database *db.DB, queue *jobqueue.Queue, resolver *conflict.Resolver, client remote.Client, cfg Config) Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ManifestLimit <= 0 {
		cfg.ManifestLimit = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if resolver == nil {
		resolver = conflict.New()
	}

	return &engine{
		db:       database,
		queue:    queue,
		resolver: resolver,
		client:   client,
		cfg:      cfg,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		state:    StateIdle,
	}
}

func (e *engine) now() time.Time {
	return e.cfg.Clock().UTC()
}

// Events implements Engine.Events.
func (e *engine) Events() *events.Bus {
	return e.bus
}

// Recover implements Engine.Recover.
func (e *engine) Recover(ctx context.Context) (int, error) {
	n, err := e.queue.Recover(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Printf("Recovered %d in-flight jobs", n)
	}
	return n, nil
}

// Save implements Engine.Save.
func (e *engine) Save(ctx context.Context, rec schema.Record) error {
	if rec.Kind() == schema.KindPage {
		return fmt.Errorf("save %s: %w", rec.Kind(), ErrDerived)
	}
	h := rec.Header()
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = e.now()
	}
	if err := schema.ValidateRecord(rec); err != nil {
		return fmt.Errorf("invalid %s: %w", rec.Kind(), err)
	}

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := db.GetRecordTx(ctx, tx, rec.Kind(), h.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if err := e.resolver.CheckLocal(rec, existing); err != nil {
			return err
		}

		if err := db.PutRecordTx(ctx, tx, rec, false); err != nil {
			return err
		}
		change, err := schema.ChangeFor(rec, schema.OriginLocal)
		if err != nil {
			return err
		}
		_, err = e.queue.EnqueueTx(ctx, tx, change)
		return err
	})
	if err != nil {
		return err
	}

	e.bus.Publish(events.RecordChanged, events.RecordData{
		Kind:       string(rec.Kind()),
		ID:         h.ID,
		DocumentID: rec.DocumentRef(),
		Deleted:    h.Deleted,
		Origin:     schema.OriginLocal,
	})
	return nil
}

// Delete implements Engine.Delete.
func (e *engine) Delete(ctx context.Context, kind schema.Kind, id string) error {
	rec, err := e.db.GetRecord(ctx, kind, id)
	if err != nil {
		return err
	}
	h := rec.Header()
	if h.Deleted {
		return nil
	}

	at := e.now()
	if !at.After(h.UpdatedAt) {
		// Local clock behind the stored version: delete just after it.
		at = h.UpdatedAt.Add(time.Nanosecond)
	}
	h.Deleted = true
	h.UpdatedAt = at
	return e.Save(ctx, rec)
}

// Get implements Engine.Get.
func (e *engine) Get(ctx context.Context, kind schema.Kind, id string) (schema.Record, error) {
	rec, err := e.db.GetRecord(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec.Header().Deleted {
		return nil, fmt.Errorf("%s %s: %w", kind, id, db.ErrNotFound)
	}
	return rec, nil
}

// acquire marks a sync operation as running.
func (e *engine) acquire() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	return nil
}

func (e *engine) release() {
	e.running.Store(false)
}

func (e *engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if changed {
		e.bus.Publish(events.StateChanged, events.StateData{State: string(s)})
	}
}

func (e *engine) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Push implements Engine.Push.
func (e *engine) Push(ctx context.Context) (PushReport, error) {
	if err := e.acquire(); err != nil {
		return PushReport{}, err
	}
	defer e.release()

	e.setState(StatePushing)
	report, err := e.push(ctx)
	e.finish(ctx, err)
	return report, err
}

// Pull implements Engine.Pull.
func (e *engine) Pull(ctx context.Context) (PullReport, error) {
	if err := e.acquire(); err != nil {
		return PullReport{}, err
	}
	defer e.release()

	e.setState(StatePulling)
	report, err := e.pull(ctx)
	e.finish(ctx, err)
	return report, err
}

// SyncNow implements Engine.SyncNow.
func (e *engine) SyncNow(ctx context.Context) (Report, error) {
	if err := e.acquire(); err != nil {
		return Report{}, err
	}
	defer e.release()

	start := time.Now()
	e.bus.Publish(events.SyncStarted, nil)

	var report Report
	var err error

	e.setState(StatePushing)
	report.Push, err = e.push(ctx)
	if err != nil && !abortsSync(err) {
		// The server answered; the manifest may still be reachable.
		e.logger.Printf("Push failed, pulling anyway: %v", err)
		e.setState(StatePulling)
		var pullErr error
		report.Pull, pullErr = e.pull(ctx)
		err = errors.Join(err, pullErr)
	} else if err == nil {
		e.setState(StatePulling)
		report.Pull, err = e.pull(ctx)
	}
	report.Duration = time.Since(start)

	e.finish(ctx, err)
	if err != nil {
		return report, err
	}

	e.bus.Publish(events.SyncCompleted, events.SyncSummary{
		Pushed:    report.Push.Pushed,
		Rejected:  report.Push.Rejected,
		Pulled:    report.Pull.Received,
		Applied:   report.Pull.Applied,
		Conflicts: report.Pull.Conflicts,
		Duration:  report.Duration,
	})
	e.logger.Printf("Sync complete: pushed=%d rejected=%d pulled=%d applied=%d conflicts=%d (%s)",
		report.Push.Pushed, report.Push.Rejected, report.Pull.Received, report.Pull.Applied,
		report.Pull.Conflicts, report.Duration.Round(time.Millisecond))
	return report, nil
}

// abortsSync reports whether err makes the rest of a sync pass pointless.
func abortsSync(err error) bool {
	return errors.Is(err, remote.ErrOffline) ||
		errors.Is(err, remote.ErrUnauthorized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// finish records the outcome of a sync operation.
func (e *engine) finish(ctx context.Context, err error) {
	if err == nil {
		if werr := e.recordOutcome(ctx, e.now(), ""); werr != nil {
			e.logger.Printf("WARNING: failed to record sync state: %v", werr)
		}
		e.setState(StateIdle)
		return
	}

	offline := errors.Is(err, remote.ErrOffline)
	if offline {
		e.setState(StateOffline)
	} else {
		e.setState(StateError)
	}
	wctx, cancel := detached(ctx)
	defer cancel()
	if werr := e.recordOutcome(wctx, time.Time{}, err.Error()); werr != nil {
		e.logger.Printf("WARNING: failed to record sync error: %v", werr)
	}
	e.bus.Publish(events.SyncFailed, events.ErrorData{Error: err.Error(), Offline: offline})
	e.logger.Printf("Sync failed: %v", err)
}

// detached returns a short-lived context that survives cancellation of
// ctx, for bookkeeping after a failed or canceled operation.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (e *engine) recordOutcome(ctx context.Context, syncedAt time.Time, lastErr string) error {
	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if !syncedAt.IsZero() {
			if err := db.SetTimeMetaTx(ctx, tx, db.MetaLastSync, syncedAt); err != nil {
				return err
			}
		}
		return db.SetMetaTx(ctx, tx, db.MetaLastError, lastErr)
	})
}

// Status implements Engine.Status.
func (e *engine) Status(ctx context.Context) (Status, error) {
	st := Status{State: e.currentState()}

	var err error
	if st.LastSync, err = e.db.GetTimeMeta(ctx, db.MetaLastSync); err != nil {
		return st, err
	}
	if st.LastError, err = e.db.GetMeta(ctx, db.MetaLastError); err != nil {
		return st, err
	}
	if st.Checkpoint, err = e.db.GetTimeMeta(ctx, db.MetaCheckpoint); err != nil {
		return st, err
	}
	if st.Cursor, err = e.db.GetMeta(ctx, db.MetaCursor); err != nil {
		return st, err
	}
	if st.Queue, err = e.queue.Stats(ctx); err != nil {
		return st, err
	}
	if st.Unsynced, err = e.db.CountUnsynced(ctx); err != nil {
		return st, err
	}
	if st.Records, err = e.db.CountRecords(ctx, ""); err != nil {
		return st, err
	}
	return st, nil
}

// ResetCheckpoint implements Engine.ResetCheckpoint.
func (e *engine) ResetCheckpoint(ctx context.Context, t time.Time) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := db.SetTimeMetaTx(ctx, tx, db.MetaCheckpoint, t); err != nil {
			return err
		}
		return db.SetMetaTx(ctx, tx, db.MetaCursor, "")
	})
	if err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	e.logger.Printf("Checkpoint reset to %s", formatCheckpoint(t))
	return nil
}

func formatCheckpoint(t time.Time) string {
	if t.IsZero() {
		return "the beginning"
	}
	return t.UTC().Format(time.RFC3339)
}
