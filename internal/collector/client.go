// Package collector is the HTTP client for the remote activity-log
// collector.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/presenced/internal/auth"
	"github.com/goodtune/presenced/internal/metrics"
	"github.com/goodtune/presenced/internal/syncqueue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 30 * time.Second

const (
	pathActivityLogs = "activity-logs"
	pathBatch        = "activity-logs/batch"
)

// Client uploads queue entries to the collector. It implements
// syncqueue.Uploader.
type Client struct {
	// URL is the collector API base, e.g. https://example.com/api/.
	URL *url.URL
	// HTTPClient is used for every request.
	HTTPClient *http.Client

	userID string
	tokens auth.TokenSource
	loc    *time.Location
	logger zerolog.Logger
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client to use for requests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTPClient = httpClient
		}
	}
}

// WithLocation sets the zone used to date time entries.
func WithLocation(loc *time.Location) ClientOption {
	return func(c *Client) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// New creates a collector client.
func New(baseURL, userID string, tokens auth.TokenSource, logger zerolog.Logger, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse collector url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("collector url %q must be http or https", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		URL:        u,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		userID:     userID,
		tokens:     tokens,
		loc:        time.Local,
		logger:     logger.With().Str("component", "collector").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ syncqueue.Uploader = (*Client)(nil)

// request sends one JSON request and decodes a JSON response into out when
// out is non-nil. Non-2xx responses map to the collector error taxonomy.
func (c *Client) request(ctx context.Context, op, method, path string, query url.Values, idempotencyKey string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request body: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	endpoint, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("%s: parse path %q: %w", op, path, err)
	}
	full := c.URL.ResolveReference(endpoint)
	if query != nil {
		full.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, full.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "JWT "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		metrics.UploadDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	metrics.UploadDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return statusError(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// FindDay returns the collector's document for date, or nil when none
// exists.
func (c *Client) FindDay(ctx context.Context, date string) (*ActivityLog, error) {
	var resp findResponse
	query := url.Values{"user": {c.userID}, "date": {date}}
	if err := c.request(ctx, "find", http.MethodGet, pathActivityLogs, query, "", nil, &resp); err != nil {
		return nil, err
	}
	for _, doc := range resp.Docs {
		if doc.Date == date && doc.ID != "" {
			return &doc, nil
		}
	}
	return nil, nil
}

// Upload delivers one entry. Day records are upserted: an existing
// document for the same date is patched, otherwise one is created.
func (c *Client) Upload(ctx context.Context, e syncqueue.Entry) error {
	switch e.Kind {
	case syncqueue.KindDay:
		if e.Day == nil {
			return &StatusError{Op: "upload", Body: "day entry without record"}
		}
		return c.upsertDay(ctx, e.ID, NewActivityLog(c.userID, *e.Day))
	case syncqueue.KindTimeEntry:
		if e.TimeEntry == nil {
			return &StatusError{Op: "upload", Body: "time entry without payload"}
		}
		doc := NewTimeLog(c.userID, e.Date(c.loc), *e.TimeEntry)
		return c.request(ctx, "create", http.MethodPost, pathActivityLogs, nil, e.ID, doc, nil)
	default:
		return &StatusError{Op: "upload", Body: fmt.Sprintf("unknown entry kind %q", e.Kind)}
	}
}

func (c *Client) upsertDay(ctx context.Context, key string, doc ActivityLog) error {
	existing, err := c.FindDay(ctx, doc.Date)
	if err != nil {
		return err
	}
	if existing == nil {
		c.logger.Debug().Str("date", doc.Date).Msg("Creating activity log")
		return c.request(ctx, "create", http.MethodPost, pathActivityLogs, nil, key, doc, nil)
	}

	c.logger.Debug().Str("date", doc.Date).Str("id", existing.ID).Msg("Updating activity log")
	path := pathActivityLogs + "/" + url.PathEscape(existing.ID)
	return c.request(ctx, "update", http.MethodPatch, path, nil, key, doc, nil)
}

// UploadBatch delivers day entries in one request keyed by date. When the
// same date is queued twice the later snapshot wins.
func (c *Client) UploadBatch(ctx context.Context, entries []syncqueue.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	body := make(map[string]ActivityLog, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Kind != syncqueue.KindDay || e.Day == nil {
			return &StatusError{Op: "batch", Body: fmt.Sprintf("entry %s is not a day record", e.ID)}
		}
		body[e.Day.Date] = NewActivityLog(c.userID, *e.Day)
		ids = append(ids, e.ID)
	}

	return c.request(ctx, "batch", http.MethodPost, pathBatch, nil, BatchKey(ids), body, nil)
}

// BatchKey derives a stable idempotency key for a set of entry IDs.
func BatchKey(ids []string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(ids, ","))).String()
}
