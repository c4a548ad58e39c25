package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/digilib/digisync/internal/offline/schema"
)

// Memory is an in-process sync server. It keeps the latest version of every
// entity by last-write-wins and a log of the changes it accepted, and serves
// manifests from that log. It backs tests, benchmarks and offline demos;
// Handler exposes it over HTTP with the same endpoints as the real API.
type Memory struct {
	mu      sync.Mutex
	log     []logEntry
	latest  map[string]schema.SyncChange
	pages   map[string][]byte
	now     func() time.Time
	last    time.Time
	offline bool

	// Reject, when set, is consulted for every pushed change. A non-nil
	// *Rejection refuses the change.
	Reject func(schema.SyncChange) *Rejection
}

type logEntry struct {
	seq        int
	receivedAt time.Time
	change     schema.SyncChange
}

var (
	_ Client     = (*Memory)(nil)
	_ PageSource = (*Memory)(nil)
)

// NewMemory returns an empty server. clock may be nil.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		latest: make(map[string]schema.SyncChange),
		pages:  make(map[string][]byte),
		now:    clock,
	}
}

func entityKey(kind schema.Kind, id string) string {
	return string(kind) + "/" + id
}

// SetOffline makes every call fail with ErrOffline until cleared.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// Publish records a change made by another device.
func (m *Memory) Publish(changes ...schema.SyncChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range changes {
		c.Origin = schema.OriginServer
		m.acceptLocked(c)
	}
}

// Latest returns the server's current version of an entity.
func (m *Memory) Latest(kind schema.Kind, id string) (schema.SyncChange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.latest[entityKey(kind, id)]
	return c, ok
}

// Len returns the number of logged changes.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}

// SetPage stores a server-rendered page image.
func (m *Memory) SetPage(documentID string, page, dpi int, data []byte) {
	m.mu.Lock()
	m.pages[fmt.Sprintf("%s/%d/%d", documentID, page, dpi)] = data
	m.mu.Unlock()
}

// acceptLocked keeps c if it is at least as new as the current version.
// Older changes are acknowledged but not logged.
func (m *Memory) acceptLocked(c schema.SyncChange) {
	key := entityKey(c.Kind, c.EntityID)
	if cur, ok := m.latest[key]; ok && c.Timestamp.Before(cur.Timestamp) {
		return
	}
	m.latest[key] = c

	at := m.now().UTC()
	if !at.After(m.last) {
		at = m.last.Add(time.Nanosecond)
	}
	m.last = at
	m.log = append(m.log, logEntry{seq: len(m.log) + 1, receivedAt: at, change: c})
}

// FetchManifest implements Client.
func (m *Memory) FetchManifest(ctx context.Context, since time.Time, cursor string, limit int) (*schema.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrOffline
	}
	if limit <= 0 {
		limit = 100
	}

	after := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, &StatusError{Code: http.StatusBadRequest, Status: "400 Bad Request", Body: "invalid cursor"}
		}
		after = n
	}

	manifest := &schema.Manifest{Since: since, Checkpoint: since}
	for _, e := range m.log {
		if e.seq <= after || !e.receivedAt.After(since) {
			continue
		}
		if len(manifest.Changes) == limit {
			manifest.HasMore = true
			break
		}
		manifest.Changes = append(manifest.Changes, e.change)
		manifest.Checkpoint = e.receivedAt
		manifest.NextCursor = strconv.Itoa(e.seq)
	}
	return manifest, nil
}

// PushChanges implements Client.
func (m *Memory) PushChanges(ctx context.Context, changes []schema.SyncChange) (*PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrOffline
	}

	result := &PushResult{ServerTime: m.now().UTC()}
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejection{ID: c.ID, Reason: err.Error()})
			continue
		}
		if m.Reject != nil {
			if r := m.Reject(c); r != nil {
				r.ID = c.ID
				result.Rejected = append(result.Rejected, *r)
				continue
			}
		}
		c.Origin = schema.OriginServer
		m.acceptLocked(c)
		result.Accepted = append(result.Accepted, c.ID)
	}
	return result, nil
}

// RenderPage implements PageSource.
func (m *Memory) RenderPage(ctx context.Context, documentID string, page, dpi int) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, "", ErrOffline
	}
	data, ok := m.pages[fmt.Sprintf("%s/%d/%d", documentID, page, dpi)]
	if !ok {
		return nil, "", &StatusError{Code: http.StatusNotFound, Status: "404 Not Found"}
	}
	return data, "image/png", nil
}

// Handler serves the sync API from m.
func (m *Memory) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sync/manifest", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var since time.Time
		if s := q.Get("since"); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				http.Error(w, "invalid since", http.StatusBadRequest)
				return
			}
			since = t
		}
		limit, _ := strconv.Atoi(q.Get("limit"))

		manifest, err := m.FetchManifest(r.Context(), since, q.Get("cursor"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, manifest)
	})

	mux.HandleFunc("POST /api/sync/push", func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		result, err := m.PushChanges(r.Context(), req.Changes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, result)
	})

	mux.HandleFunc("GET /api/documents/{id}/pages/{page}", func(w http.ResponseWriter, r *http.Request) {
		page, err := strconv.Atoi(r.PathValue("page"))
		if err != nil {
			http.Error(w, "invalid page", http.StatusBadRequest)
			return
		}
		dpi, _ := strconv.Atoi(r.URL.Query().Get("dpi"))
		data, mime, err := m.RenderPage(r.Context(), r.PathValue("id"), page, dpi)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", mime)
		_, _ = w.Write(data)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var se *StatusError
	if errors.As(err, &se) {
		http.Error(w, se.Body, se.Code)
		return
	}
	http.Error(w, strings.TrimSpace(err.Error()), http.StatusServiceUnavailable)
}
