package main

import (
	"fmt"
	"os"

	"github.com/digilib/digisync/internal/offline/conflict"
	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/events"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/pagecache"
	"github.com/digilib/digisync/internal/offline/remote"
	"github.com/digilib/digisync/internal/offline/search"
	offsync "github.com/digilib/digisync/internal/offline/sync"
)

// app holds the opened local stores.
type app struct {
	db       *db.DB
	queue    *jobqueue.Queue
	resolver *conflict.Resolver
	cache    *pagecache.Store
	index    *search.Index
	bus      *events.Bus
	client   *remote.HTTPClient
	engine   offsync.Engine
}

// openApp opens the database and wires every component. The remote client
// is only created when a server URL is configured.
func openApp() (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, err
	}

	cache, err := pagecache.New(database, pagecache.Config{
		Dir:      cfg.CacheDir(),
		MaxBytes: cfg.CacheBytes(),
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	a := &app{
		db:       database,
		queue:    jobqueue.New(database, queueConfig()),
		resolver: conflict.New(),
		cache:    cache,
		index:    search.New(database),
		bus:      events.NewBus(),
	}

	var client remote.Client
	if cfg.Server.URL != "" {
		a.client, err = remote.NewHTTPClient(remote.Config{
			BaseURL:   cfg.Server.URL,
			Token:     cfg.Server.Token,
			Timeout:   cfg.Server.Timeout,
			UserAgent: "digisync",
		})
		if err != nil {
			_ = database.Close()
			return nil, err
		}
		client = a.client
	}

	a.engine = offsync.New(database, a.queue, a.resolver, client, offsync.Config{
		BatchSize:     cfg.Sync.BatchSize,
		ManifestLimit: cfg.Sync.ManifestLimit,
		Bus:           a.bus,
		Logger:        logs.Logger("sync"),
	})
	return a, nil
}

func queueConfig() jobqueue.Config {
	qc := jobqueue.DefaultConfig()
	qc.MaxAttempts = cfg.Queue.MaxAttempts
	if cfg.Queue.InitialBackoff > 0 {
		qc.Backoff.Initial = cfg.Queue.InitialBackoff
	}
	if cfg.Queue.MaxBackoff > 0 {
		qc.Backoff.Max = cfg.Queue.MaxBackoff
	}
	return qc
}

// mustOpen opens the app or exits.
func mustOpen() *app {
	a, err := openApp()
	if err != nil {
		fatal("failed to open local data: %v", err)
	}
	return a
}

// requireServer exits when no server is configured.
func (a *app) requireServer() {
	if a.client == nil {
		a.close()
		fatal("no server configured: set server.url in %s or DIGISYNC_SERVER_URL", configFileName())
	}
}

func (a *app) close() {
	a.bus.Close()
	_ = a.db.Close()
}

func configFileName() string {
	if cfg.File != "" {
		return cfg.File
	}
	return "digisync.toml"
}
