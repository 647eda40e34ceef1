package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

const (
	// DefaultAPIKeyHeader carries the API key on every sink request.
	DefaultAPIKeyHeader = "X-API-Key"

	// DefaultBeaconTimeout bounds a fire-and-forget beacon request.
	DefaultBeaconTimeout = 2 * time.Second

	// maxErrorBody is how much of a failed response body is kept in
	// HTTPError.
	maxErrorBody = 512
)

// InsertRequest is the body of a grouped insert.
type InsertRequest struct {
	Records []Record `json:"records"`
}

// UpsertRequest is the body of a single-record upsert.
type UpsertRequest struct {
	Record Record `json:"record"`
}

// HTTPSink talks to a remote sink over JSON/HTTP:
//
//	POST {base}/v1/collections/{name}/records                  InsertRequest
//	PUT  {base}/v1/collections/{name}/records?on_conflict=...  UpsertRequest
//	POST {base}/v1/collections/{name}/query                    Query -> QueryResult
type HTTPSink struct {
	baseURL       string
	client        *http.Client
	headers       map[string]string
	limiter       *rate.Limiter
	beaconTimeout time.Duration
}

// Ensure HTTPSink implements Sink and Beaconer
var (
	_ Sink     = (*HTTPSink)(nil)
	_ Beaconer = (*HTTPSink)(nil)
)

// HTTPSinkOption configures an HTTPSink.
type HTTPSinkOption func(*HTTPSink)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) HTTPSinkOption {
	return func(h *HTTPSink) {
		h.client = c
	}
}

// WithAPIKey sends key in header on every request. An empty header means
// DefaultAPIKeyHeader.
func WithAPIKey(header, key string) HTTPSinkOption {
	return func(h *HTTPSink) {
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		h.headers[header] = key
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) HTTPSinkOption {
	return func(h *HTTPSink) {
		h.headers[key] = value
	}
}

// WithRateLimit caps regular requests to r per second with the given burst.
// Beacons bypass the limiter since they must never wait.
func WithRateLimit(r rate.Limit, burst int) HTTPSinkOption {
	return func(h *HTTPSink) {
		h.limiter = rate.NewLimiter(r, burst)
	}
}

// WithBeaconTimeout bounds each beacon request.
func WithBeaconTimeout(d time.Duration) HTTPSinkOption {
	return func(h *HTTPSink) {
		h.beaconTimeout = d
	}
}

// NewHTTPSink creates a sink client rooted at baseURL.
func NewHTTPSink(baseURL string, opts ...HTTPSinkOption) *HTTPSink {
	h := &HTTPSink{
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 30 * time.Second},
		headers:       make(map[string]string),
		beaconTimeout: DefaultBeaconTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InsertMany posts records to the collection. An empty slice sends nothing.
func (h *HTTPSink) InsertMany(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	endpoint, err := h.collectionURL(collection, "records", nil)
	if err != nil {
		return err
	}
	return h.do(ctx, http.MethodPost, endpoint, InsertRequest{Records: records}, nil)
}

// Upsert puts a single record keyed by onConflict.
func (h *HTTPSink) Upsert(ctx context.Context, collection string, record Record, onConflict string) error {
	endpoint, err := h.upsertURL(collection, onConflict)
	if err != nil {
		return err
	}
	return h.do(ctx, http.MethodPut, endpoint, UpsertRequest{Record: record}, nil)
}

// Select posts the query and decodes the result.
func (h *HTTPSink) Select(ctx context.Context, query Query) (QueryResult, error) {
	if err := query.Validate(); err != nil {
		return QueryResult{}, err
	}
	endpoint, err := h.collectionURL(query.Collection, "query", nil)
	if err != nil {
		return QueryResult{}, err
	}
	var res QueryResult
	if err := h.do(ctx, http.MethodPost, endpoint, query, &res); err != nil {
		return QueryResult{}, err
	}
	return res, nil
}

// FetchOne selects at most one matching record.
func (h *HTTPSink) FetchOne(ctx context.Context, collection string, filters ...Filter) FetchResult {
	return FetchFromQuery(h.Select(ctx, Query{Collection: collection, Filters: filters, Limit: 1}))
}

// SendBeacon starts the upsert on its own goroutine with a short timeout and
// returns immediately.
func (h *HTTPSink) SendBeacon(collection string, record Record, onConflict string) bool {
	endpoint, err := h.upsertURL(collection, onConflict)
	if err != nil {
		return false
	}
	data, err := json.Marshal(UpsertRequest{Record: record})
	if err != nil {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.beaconTimeout)
		defer cancel()
		_ = h.send(ctx, http.MethodPut, endpoint, data, nil)
	}()
	return true
}

func (h *HTTPSink) upsertURL(collection, onConflict string) (string, error) {
	if !IsValidIdentifier(onConflict) {
		return "", xerrors.Errorf("invalid conflict field %q", onConflict)
	}
	return h.collectionURL(collection, "records", url.Values{"on_conflict": {onConflict}})
}

func (h *HTTPSink) collectionURL(collection, resource string, query url.Values) (string, error) {
	if !IsValidIdentifier(collection) {
		return "", xerrors.Errorf("invalid collection name %q", collection)
	}
	endpoint, err := url.JoinPath(h.baseURL, "v1", "collections", collection, resource)
	if err != nil {
		return "", xerrors.Errorf("build sink url: %w", err)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint, nil
}

func (h *HTTPSink) do(ctx context.Context, method, endpoint string, body, out any) error {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return xerrors.Errorf("wait for rate limiter: %w", err)
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("marshal request: %w", err)
	}
	return h.send(ctx, method, endpoint, data, out)
}

func (h *HTTPSink) send(ctx context.Context, method, endpoint string, data []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return xerrors.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return xerrors.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Errorf("decode response: %w", err)
	}
	return nil
}
