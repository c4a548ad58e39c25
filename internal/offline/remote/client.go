// Package remote is the client side of the server sync API.
//
// Endpoints:
//
//	GET  /api/sync/manifest?since=<RFC3339>&cursor=<c>&limit=<n>  -> Manifest
//	POST /api/sync/push  {"changes": [...]}                        -> PushResult
//	GET  /api/documents/{id}/pages/{n}?dpi=<dpi>                   -> image bytes
//
// Errors are classified so the sync engine can decide between retrying,
// backing off and giving up: ErrOffline for transport failures,
// ErrUnauthorized for rejected or expired credentials, ErrBadResponse for
// undecodable 2xx bodies, and *StatusError for other HTTP failures.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/digilib/digisync/internal/offline/schema"
)

var (
	// ErrOffline is returned when the server cannot be reached.
	ErrOffline = errors.New("server unreachable")

	// ErrUnauthorized is returned when credentials are missing, expired or
	// rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadResponse is returned when a successful response carries a body
	// that cannot be decoded. The request may have been applied, so it is
	// retryable.
	ErrBadResponse = errors.New("malformed server response")
)

// Client is the sync API used by the engine.
type Client interface {
	// FetchManifest returns changes received by the server after since,
	// resuming at cursor when it is non-empty.
	FetchManifest(ctx context.Context, since time.Time, cursor string, limit int) (*schema.Manifest, error)
	// PushChanges sends local changes. Each change is either accepted or
	// rejected individually.
	PushChanges(ctx context.Context, changes []schema.SyncChange) (*PushResult, error)
}

// PageSource renders pages server-side, for formats or devices the native
// renderer cannot handle.
type PageSource interface {
	RenderPage(ctx context.Context, documentID string, page, dpi int) ([]byte, string, error)
}

// PushResult is the server's answer to a push.
type PushResult struct {
	// Accepted lists ids of changes the server stored (or already had).
	Accepted []string `json:"accepted"`
	// Rejected lists changes the server refused.
	Rejected []Rejection `json:"rejected,omitempty"`
	// ServerTime is the server clock at the time of the push.
	ServerTime time.Time `json:"server_time,omitempty"`
}

// Rejection explains why a change was refused.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	// Retryable is true when the same change may succeed later.
	Retryable bool `json:"retryable,omitempty"`
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("server returned %s", e.Status)
}

// Temporary reports whether retrying may succeed (429 or 5xx).
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsRetryable reports whether err is a transient failure: offline, a
// temporary status, or a timeout. Unauthorized and other 4xx errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, ErrBadResponse) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return false
}
