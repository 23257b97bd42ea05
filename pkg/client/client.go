// Package client provides a Go consumer for the storefront CRUD API. A Table
// handle caches the last fetched collection and refreshes it only when the
// caller asks, mirroring the explicit-refresh contract of the admin UI.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/wayfare/wayfare/errs"
	"github.com/wayfare/wayfare/internal/store"
)

const defaultRequestTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRetries bounds the refetch retry attempts. Zero disables retrying.
func WithRetries(maxTries uint) Option {
	return func(c *Client) {
		c.maxTries = maxTries
	}
}

// Client talks to one storefront API instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxTries   uint

	mu     sync.Mutex
	tables map[string]*Table
}

// New returns a client rooted at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		maxTries:   3,
		tables:     make(map[string]*Table),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Table returns the cached handle for one table, creating it on first use.
// Handles are shared: two calls with the same name observe the same snapshot.
func (c *Client) Table(name string) *Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[name]; ok {
		return t
	}
	t := &Table{client: c, name: name, loading: true}
	c.tables[name] = t
	return t
}

// Health fetches /api/health and reports whether the store behind the API is
// reachable.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var body map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// Snapshot is the observable state of a table handle: the last fetched
// collection plus loading and failure flags.
type Snapshot struct {
	// Records is the cached collection. Never nil once a fetch has completed.
	Records []store.Record
	// Loading is true until the first Refetch completes.
	Loading bool
	// Err holds the most recent fetch failure, nil after a successful fetch.
	Err error
	// Degraded is set when the last fetch found the backend unavailable and
	// the handle fell back to an empty collection.
	Degraded bool
}

// Table is a handle over one API collection. Mutations go straight to the
// server and never refresh the cached snapshot; callers decide when to pay
// for a refetch.
type Table struct {
	client *Client
	name   string

	mu       sync.Mutex
	records  []store.Record
	loading  bool
	err      error
	degraded bool
}

// Snapshot returns a copy of the handle's current state.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]store.Record, len(t.records))
	for i, rec := range t.records {
		records[i] = rec.Clone()
	}
	return Snapshot{Records: records, Loading: t.loading, Err: t.err, Degraded: t.degraded}
}

// Refetch reloads the collection from the server, retrying transient failures
// with exponential backoff. An unavailable backend degrades the snapshot to an
// empty collection instead of leaving stale data; a cancelled context leaves
// the snapshot untouched.
func (t *Table) Refetch(ctx context.Context) error {
	operation := func() ([]store.Record, error) {
		var records []store.Record
		if err := t.client.do(ctx, http.MethodGet, "/api/"+t.name, nil, &records); err != nil {
			if errs.KindOf(err) == errs.KindUnavailable {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return records, nil
	}

	records, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(t.client.maxTries))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		t.mu.Lock()
		t.loading = false
		t.err = err
		if errs.KindOf(err) == errs.KindUnavailable {
			t.records = []store.Record{}
			t.degraded = true
		}
		t.mu.Unlock()
		return err
	}

	if records == nil {
		records = []store.Record{}
	}
	t.mu.Lock()
	t.records = records
	t.loading = false
	t.err = nil
	t.degraded = false
	t.mu.Unlock()
	return nil
}

// Get fetches one record by id. A missing record yields (nil, nil).
func (t *Table) Get(ctx context.Context, id int64) (store.Record, error) {
	var record store.Record
	path := "/api/" + t.name + "/" + strconv.FormatInt(id, 10)
	if err := t.client.do(ctx, http.MethodGet, path, nil, &record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return record, nil
}

// Create inserts a record and returns the stored form with its assigned id.
// The cached snapshot is not refreshed.
func (t *Table) Create(ctx context.Context, fields map[string]any) (store.Record, error) {
	var record store.Record
	if err := t.client.do(ctx, http.MethodPost, "/api/"+t.name, fields, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Update merges fields into the identified record and returns the post-update
// state. The cached snapshot is not refreshed.
func (t *Table) Update(ctx context.Context, id int64, fields map[string]any) (store.Record, error) {
	var record store.Record
	path := "/api/" + t.name + "/" + strconv.FormatInt(id, 10)
	if err := t.client.do(ctx, http.MethodPut, path, fields, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Delete removes the identified record. Deleting an absent id succeeds.
func (t *Table) Delete(ctx context.Context, id int64) error {
	path := "/api/" + t.name + "/" + strconv.FormatInt(id, 10)
	return t.client.do(ctx, http.MethodDelete, path, nil, nil)
}

// errorEnvelope mirrors the server's error body.
type errorEnvelope struct {
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.New(errs.KindUnavailable, errs.WithMessage("request cancelled"), errs.WithCause(err))
		}
		return errs.New(errs.KindUnavailable, errs.WithMessage("storefront api unreachable"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.New(errs.KindUnavailable, errs.WithMessage("read response body"), errs.WithCause(err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeErrorEnvelope(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// decodeErrorEnvelope reconstructs the structured error the server reported so
// callers can branch on the kind rather than on status codes.
func decodeErrorEnvelope(status int, raw []byte) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Kind != "" {
		return errs.New(errs.Kind(envelope.Kind),
			errs.WithHTTP(status), errs.WithMessage(envelope.Error))
	}
	kind := errs.KindInternal
	switch status {
	case http.StatusNotFound:
		kind = errs.KindNotFound
	case http.StatusConflict:
		kind = errs.KindConflict
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		kind = errs.KindUnavailable
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		kind = errs.KindInvalidInput
	}
	return errs.New(kind, errs.WithHTTP(status),
		errs.WithMessage("request failed with status "+strconv.Itoa(status)))
}
