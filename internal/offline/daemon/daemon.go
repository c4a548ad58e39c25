// Package daemon runs the sync engine in the background.
//
// The daemon:
// 1. Recovers interrupted pushes and repairs the page cache on startup
// 2. Syncs periodically, backing off while the server is unreachable
// 3. Syncs immediately when triggered by a local edit
// 4. Evicts the page cache down to its budget
// 5. Drops cache entries whose blob files were deleted externally
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digilib/digisync/internal/offline/events"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/pagecache"
	offsync "github.com/digilib/digisync/internal/offline/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to sync while healthy
	SyncInterval time.Duration

	// RetryInterval is the first retry delay after a failed sync; it
	// doubles with every further failure
	RetryInterval time.Duration

	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration

	// EvictInterval is how often to enforce the page cache budget
	EvictInterval time.Duration

	// DebounceInterval is how long a removed blob must stay removed before
	// its cache entries are dropped
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     time.Minute,
		RetryInterval:    5 * time.Second,
		MaxBackoff:       5 * time.Minute,
		EvictInterval:    time.Minute,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Syncer is the part of the sync engine the daemon drives.
type Syncer interface {
	SyncNow(ctx context.Context) (offsync.Report, error)
	Recover(ctx context.Context) (int, error)
	Events() *events.Bus
}

// Daemon schedules syncs and cache maintenance.
type Daemon struct {
	engine  Syncer
	cache   *pagecache.Store
	config  *Config
	backoff jobqueue.Backoff

	watcher *BlobWatcher
	trigger chan struct{}

	// hash -> path and time of the last removal event
	removed   map[string]removal
	removedMu sync.Mutex

	failures atomic.Int32
	syncs    atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type removal struct {
	path string
	at   time.Time
}

// New creates a daemon. cache may be nil, which disables cache
// maintenance.
//
// Use Start() to begin syncing.
func New(engine Syncer, cache *pagecache.Store, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.EvictInterval <= 0 {
		config.EvictInterval = defaults.EvictInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	d := &Daemon{
		engine: engine,
		cache:  cache,
		config: config,
		backoff: jobqueue.Backoff{
			Initial:    config.RetryInterval,
			Max:        config.MaxBackoff,
			Multiplier: 2,
		},
		trigger: make(chan struct{}, 1),
		removed: make(map[string]removal),
	}

	if cache != nil {
		watcher, err := NewBlobWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = watcher
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if n, err := d.engine.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover job queue: %w", err)
	} else if n > 0 {
		d.config.Logger.Printf("Recovered %d interrupted jobs", n)
	}

	if d.cache != nil {
		res, err := d.cache.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("failed to reconcile page cache: %w", err)
		}
		if res.MissingBlobs > 0 || res.OrphanFiles > 0 {
			d.config.Logger.Printf("Page cache repaired: %d missing blobs, %d orphan files",
				res.MissingBlobs, res.OrphanFiles)
		}

		if err := d.watcher.Start(d.cache.Dir()); err != nil {
			return fmt.Errorf("failed to watch page cache: %w", err)
		}
		d.config.Logger.Printf("Watching: %s", d.cache.Dir())

		d.wg.Add(3)
		go d.watchBlobEvents()
		go d.processRemovals()
		go d.evictLoop()
	}

	d.wg.Add(1)
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A sync in progress is canceled.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.cancel()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}

		d.wg.Wait()

		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Trigger requests a sync as soon as possible, e.g. after a local edit.
// Requests made while one is pending are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Failures returns the number of consecutive failed syncs.
func (d *Daemon) Failures() int {
	return int(d.failures.Load())
}

// Syncs returns the number of sync passes attempted.
func (d *Daemon) Syncs() int64 {
	return d.syncs.Load()
}

// syncLoop runs a sync immediately, then on every interval or trigger.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}

		case <-timer.C:
		}

		timer.Reset(d.runSync())
	}
}

// runSync performs one sync and returns the delay before the next.
func (d *Daemon) runSync() time.Duration {
	d.syncs.Add(1)
	report, err := d.engine.SyncNow(d.ctx)

	switch {
	case err == nil:
		if d.failures.Swap(0) > 0 {
			d.config.Logger.Println("Sync recovered")
		}
		if report.Push.Pushed > 0 || report.Pull.Applied > 0 {
			d.config.Logger.Printf("Synced: pushed=%d applied=%d", report.Push.Pushed, report.Pull.Applied)
		}
		return d.config.SyncInterval

	case errors.Is(err, offsync.ErrSyncInProgress), d.ctx.Err() != nil:
		return d.config.SyncInterval

	default:
		n := d.failures.Add(1)
		delay := d.backoff.Delay(int(n))
		d.config.Logger.Printf("Sync failed (%d in a row), retrying in %s: %v", n, delay, err)
		return delay
	}
}

// evictLoop periodically enforces the page cache budget.
func (d *Daemon) evictLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.evict()
		}
	}
}

func (d *Daemon) evict() {
	res, err := d.cache.Evict(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error evicting page cache: %v", err)
		return
	}
	if res.Entries == 0 {
		return
	}
	d.config.Logger.Printf("Evicted %d cache entries (%d bytes)", res.Entries, res.Bytes)
	d.engine.Events().Publish(events.CacheEvicted, events.CacheData{Entries: res.Entries, Bytes: res.Bytes})
}

// watchBlobEvents queues blob removals for debounced processing.
func (d *Daemon) watchBlobEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op != OpDelete {
				continue
			}
			d.queueRemoval(event)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueRemoval(event BlobEvent) {
	d.removedMu.Lock()
	defer d.removedMu.Unlock()

	d.removed[event.Hash] = removal{path: event.Path, at: time.Now()}
}

// processRemovals processes queued removals with debouncing.
func (d *Daemon) processRemovals() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingRemovals()
		}
	}
}

// processPendingRemovals forgets blobs that have been gone long enough.
// The cache removes blobs itself when evicting; those have no entries left
// and forgetting them is a no-op.
func (d *Daemon) processPendingRemovals() {
	d.removedMu.Lock()
	defer d.removedMu.Unlock()

	now := time.Now()
	forgotten := 0

	for hash, r := range d.removed {
		if now.Sub(r.at) < d.config.DebounceInterval {
			continue
		}
		delete(d.removed, hash)

		// Rewritten since the event
		if _, err := os.Stat(r.path); err == nil {
			continue
		}

		n, err := d.cache.ForgetBlob(d.ctx, hash)
		if err != nil {
			d.config.Logger.Printf("Error forgetting blob %s: %v", hash, err)
			continue
		}
		if n > 0 {
			d.config.Logger.Printf("Blob %s removed externally, dropped %d entries", hash[:12], n)
			forgotten += n
		}
	}

	if forgotten > 0 {
		d.engine.Events().Publish(events.CacheEvicted, events.CacheData{Entries: forgotten})
	}
}
