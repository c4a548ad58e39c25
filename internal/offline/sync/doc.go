// Package sync is the manifest sync engine: the bridge between the local
// database and the server.
//
// Overview
//
// The UI writes through the engine. Every local mutation is stored in the
// records table and queued as a job in the same transaction, so the reader
// works fully offline. When the network is available the engine pushes the
// queue and pulls the server manifest:
//
//	UI ── Save/Delete ──> records + jobs (one transaction)
//	                          │
//	                 Push ────┘  claim → POST /api/sync/push → ack / nack
//	                 Pull ────┐  GET /api/sync/manifest?since=checkpoint
//	                          ↓
//	               conflict.Resolver ──> apply / keep local / skip
//	                          ↓
//	               records (+ search_idx via triggers), checkpoint
//
// Usage
//
//	database, err := db.Open(filepath.Join(dataDir, "digisync.db"))
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
//
//	engine := sync.New(database, jobqueue.New(database, jobqueue.DefaultConfig()),
//	    conflict.New(), client, sync.Config{})
//
//	// Offline edit
//	err = engine.Save(ctx, &schema.Bookmark{...})
//
//	// Later, when online
//	report, err := engine.SyncNow(ctx)
//
// Conflicts
//
// Remote changes are resolved against local state by conflict.Resolver:
// last-write-wins for scalar entities with ties going to the server, and
// append-only merge for comments. A remote win drops the local jobs it
// supersedes.
//
// Concurrency
//
// Save and Delete are safe for concurrent use. Push, Pull, SyncNow and
// ResetCheckpoint are exclusive: while one runs, the others return
// ErrSyncInProgress.
package sync
