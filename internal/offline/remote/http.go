package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/digilib/digisync/internal/offline/schema"
)

// Config holds HTTP client settings.
type Config struct {
	// BaseURL of the API server, e.g. https://api.example.com
	BaseURL string
	// Token is the bearer token sent with every request
	Token string
	// Timeout per request (0 = 30s)
	Timeout time.Duration
	// UserAgent header value
	UserAgent string
	// HTTPClient overrides the transport (nil = a client with Timeout)
	HTTPClient *http.Client
	// Clock returns the current time (nil = time.Now)
	Clock func() time.Time
}

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// HTTPClient talks to the sync API over HTTP.
type HTTPClient struct {
	base      *url.URL
	http      *http.Client
	userAgent string
	now       func() time.Time

	mu    sync.RWMutex
	token string
}

var (
	_ Client     = (*HTTPClient)(nil)
	_ PageSource = (*HTTPClient)(nil)
)

// NewHTTPClient returns a client for cfg.BaseURL.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme: %q", base.Scheme)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "digisync"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &HTTPClient{
		base:      base,
		http:      cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		now:       cfg.Clock,
		token:     cfg.Token,
	}, nil
}

// SetToken replaces the bearer token, e.g. after the UI refreshed it.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// FetchManifest implements Client.
func (c *HTTPClient) FetchManifest(ctx context.Context, since time.Time, cursor string, limit int) (*schema.Manifest, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/sync/manifest", q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var m schema.Manifest
	if err := decodeBody(resp, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	for i := range m.Changes {
		m.Changes[i].Origin = schema.OriginServer
	}
	return &m, nil
}

type pushRequest struct {
	Changes []schema.SyncChange `json:"changes"`
}

// PushChanges implements Client.
func (c *HTTPClient) PushChanges(ctx context.Context, changes []schema.SyncChange) (*PushResult, error) {
	body, err := json.Marshal(pushRequest{Changes: changes})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/sync/push", nil, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result PushResult
	if err := decodeBody(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to decode push result: %w", err)
	}
	return &result, nil
}

// RenderPage implements PageSource.
func (c *HTTPClient) RenderPage(ctx context.Context, documentID string, page, dpi int) ([]byte, string, error) {
	path := fmt.Sprintf("/api/documents/%s/pages/%d", url.PathEscape(documentID), page)
	q := url.Values{}
	if dpi > 0 {
		q.Set("dpi", strconv.Itoa(dpi))
	}

	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read page image: %w", classify(err))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// do sends a request and returns the response for 2xx statuses. Any other
// outcome is returned as a classified error. path must already be escaped.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	token := c.currentToken()
	if err := checkToken(token, c.now()); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.base.String() + path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, classify(err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	return nil, fmt.Errorf("%s %s: %w", method, path, &StatusError{
		Code:   resp.StatusCode,
		Status: resp.Status,
		Body:   strings.TrimSpace(string(snippet)),
	})
}

// decodeBody reads a 2xx JSON body. A body cut off in transit is a transport
// failure (ErrOffline); a complete body that is not valid JSON is
// ErrBadResponse.
func decodeBody(resp *http.Response, v any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return nil
}

// classify maps transport errors to ErrOffline. Cancellation is passed
// through unchanged so callers can tell shutdown from an outage.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOffline, err)
}
