package dashboard

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/digilib/digisync/internal/offline/events"
)

// Stats counts the events relayed since the handler started.
type Stats struct {
	Syncs      int       `json:"syncs"`
	Failures   int       `json:"failures"`
	Pushed     int       `json:"pushed"`
	Pulled     int       `json:"pulled"`
	Conflicts  int       `json:"conflicts"`
	JobsFailed int       `json:"jobs_failed"`
	Evicted    int       `json:"evicted"`
	Dropped    int64     `json:"dropped"`
	LastSync   time.Time `json:"last_sync,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Handler relays engine events to dashboard clients. It bridges the event
// bus and the WebSocket server.
type Handler struct {
	server *Server
	bus    *events.Bus
	logger *log.Logger

	mu    sync.Mutex
	stats Stats
}

// NewHandler creates a handler relaying bus events to server.
func NewHandler(server *Server, bus *events.Bus, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{
		server: server,
		bus:    bus,
		logger: logger,
	}
}

// Run relays events until ctx is cancelled or the bus is closed.
func (h *Handler) Run(ctx context.Context) {
	sub := h.bus.Subscribe(256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			h.HandleEvent(ev)

			h.mu.Lock()
			h.stats.Dropped = sub.Dropped()
			h.mu.Unlock()
		}
	}
}

// HandleEvent broadcasts ev and updates statistics. Sync outcomes are
// followed by a stats message.
func (h *Handler) HandleEvent(ev events.Event) {
	msg, err := newMessage(MessageType(ev.Type), ev.Time, ev.Data)
	if err != nil {
		h.logger.Printf("Failed to relay %s: %v", ev.Type, err)
		return
	}
	h.server.Broadcast(msg)

	if h.record(ev) {
		h.broadcastStats()
	}
}

// record folds ev into the statistics and reports whether they changed in
// a way clients display.
func (h *Handler) record(ev events.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Type {
	case events.SyncCompleted:
		h.stats.Syncs++
		h.stats.LastSync = ev.Time
		h.stats.LastError = ""
		if s, ok := ev.Data.(events.SyncSummary); ok {
			h.stats.Pushed += s.Pushed
			h.stats.Pulled += s.Pulled
			h.stats.Conflicts += s.Conflicts
		}
		return true

	case events.SyncFailed:
		h.stats.Failures++
		if e, ok := ev.Data.(events.ErrorData); ok {
			h.stats.LastError = e.Error
		}
		return true

	case events.JobFailed:
		h.stats.JobsFailed++
		return true

	case events.CacheEvicted:
		if c, ok := ev.Data.(events.CacheData); ok {
			h.stats.Evicted += c.Entries
		}
		return true
	}
	return false
}

func (h *Handler) broadcastStats() {
	if err := h.server.BroadcastData(MessageTypeStats, h.GetStats()); err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
}

// GetStats returns the current statistics
func (h *Handler) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
