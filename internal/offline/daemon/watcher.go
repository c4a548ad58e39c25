package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/digilib/digisync/internal/offline/pagecache"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new blob file appeared.
	OpCreate EventOp = iota
	// OpModify indicates an existing blob file was written.
	OpModify
	// OpDelete indicates a blob file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// BlobEvent is a change to a page cache blob file.
type BlobEvent struct {
	// Path is the path of the blob file.
	Path string
	// Hash is the content hash encoded in the file name.
	Hash string
	// Op is the operation that occurred.
	Op EventOp
}

// BlobWatcher watches a page cache directory for blob changes made outside
// the cache, such as the OS purging cache storage.
//
// fsnotify does not watch recursively, so the root and every fan-out
// directory are watched; directories created later are added as they
// appear.
type BlobWatcher struct {
	watcher *fsnotify.Watcher
	events  chan BlobEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	root    string
	pattern string
}

// NewBlobWatcher creates a new BlobWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewBlobWatcher() (*BlobWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &BlobWatcher{
		watcher: watcher,
		events:  make(chan BlobEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		pattern: pagecache.BlobPattern,
	}, nil
}

// Start begins watching root and its subdirectories.
func (bw *BlobWatcher) Start(root string) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	bw.root = abs

	err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := bw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		for _, p := range bw.watcher.WatchList() {
			bw.watcher.Remove(p)
		}
		return err
	}

	bw.running = true
	bw.wg.Add(1)
	go bw.processEvents()

	return nil
}

// Stop stops watching and closes the event channels.
// It blocks until the event processing goroutine has exited.
func (bw *BlobWatcher) Stop() error {
	bw.mu.Lock()
	if !bw.running {
		bw.mu.Unlock()
		return nil
	}
	bw.running = false
	bw.mu.Unlock()

	close(bw.done)

	if err := bw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	bw.wg.Wait()

	close(bw.events)
	close(bw.errors)

	return nil
}

// Events returns the channel that emits BlobEvent notifications.
// This channel is closed when the watcher is stopped.
func (bw *BlobWatcher) Events() <-chan BlobEvent {
	return bw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (bw *BlobWatcher) Errors() <-chan error {
	return bw.errors
}

// IsRunning returns true if the watcher is currently running.
func (bw *BlobWatcher) IsRunning() bool {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.running
}

func (bw *BlobWatcher) processEvents() {
	defer bw.wg.Done()

	for {
		select {
		case <-bw.done:
			return

		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// New fan-out directory
					if err := bw.watcher.Add(event.Name); err != nil {
						bw.sendError(fmt.Errorf("failed to watch %s: %w", event.Name, err))
					}
					continue
				}
			}

			if blobEvent, ok := bw.convertEvent(event); ok {
				select {
				case bw.events <- blobEvent:
				case <-bw.done:
					return
				}
			}

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			bw.sendError(err)
		}
	}
}

func (bw *BlobWatcher) sendError(err error) {
	select {
	case bw.errors <- err:
	case <-bw.done:
	}
}

// convertEvent converts an fsnotify event to a BlobEvent.
// Returns (BlobEvent{}, false) for files that are not blobs, e.g. the
// temp files used while writing.
func (bw *BlobWatcher) convertEvent(event fsnotify.Event) (BlobEvent, bool) {
	rel, err := filepath.Rel(bw.root, event.Name)
	if err != nil {
		return BlobEvent{}, false
	}
	if ok, _ := doublestar.Match(bw.pattern, filepath.ToSlash(rel)); !ok {
		return BlobEvent{}, false
	}
	hash := pagecache.HashFromPath(event.Name)
	if hash == "" {
		return BlobEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return BlobEvent{}, false
	}

	return BlobEvent{Path: event.Name, Hash: hash, Op: op}, true
}
