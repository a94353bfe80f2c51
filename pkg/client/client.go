package client

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
	"time"

	"github.com/rmax-ai/crmseed/pkg/api"
	"github.com/rmax-ai/crmseed/pkg/engine/governor"
	"github.com/rmax-ai/crmseed/pkg/replay"
	"github.com/rmax-ai/crmseed/pkg/store"
)

// DefaultEndpoint is the daemon's default listen address.
const DefaultEndpoint = "http://127.0.0.1:8090"

// Error is a non-2xx response from the daemon.
type Error struct {
	Status int    `json:"-"`
	Code   string `json:"error"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("crmseed: %d %s: %s", e.Status, e.Code, e.Reason)
	}
	return fmt.Sprintf("crmseed: %d %s", e.Status, e.Code)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	Token string
	// Retries is how many times a request is repeated after a 503. GET requests
	// are also repeated on network errors.
	Retries int
	Backoff governor.BackoffStrategy
	Timeout time.Duration
}

// Client is the crmseed API client.
type Client struct {
	endpoint string
	token    string
	retries  int
	backoff  governor.BackoffStrategy
	http     *http.Client
}

// NewClient creates a new client. endpoint defaults to DefaultEndpoint.
func NewClient(endpoint string, opts Options) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if opts.Backoff == nil {
		opts.Backoff = &governor.ExponentialBackoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.2}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    opts.Token,
		retries:  opts.Retries,
		backoff:  opts.Backoff,
		http:     &http.Client{Timeout: opts.Timeout},
	}
}

func (c *Client) CreateRun(ctx context.Context, req api.RunRequest) (*api.RunResponse, error) {
	var out api.RunResponse
	return &out, c.do(ctx, http.MethodPost, "/v1/runs", req, &out)
}

func (c *Client) GetRun(ctx context.Context, id string) (*api.RunResponse, error) {
	var out api.RunResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &out)
}

// ListRuns lists runs, optionally narrowed to the given statuses.
func (c *Client) ListRuns(ctx context.Context, limit int, statuses ...store.RunStatus) ([]*store.Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	var out api.RunListResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/runs", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) StartRun(ctx context.Context, id string) (*api.RunResponse, error) {
	var out api.RunResponse
	return &out, c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/start", nil, &out)
}

func (c *Client) AbortRun(ctx context.Context, id string) (*api.RunResponse, error) {
	var out api.RunResponse
	return &out, c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/abort", nil, &out)
}

// OverrideRun changes the non-empty fields of req on an idle run.
func (c *Client) OverrideRun(ctx context.Context, id string, req api.RunRequest) (*api.RunResponse, error) {
	var out api.RunResponse
	return &out, c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/override", req, &out)
}

func (c *Client) ResetClaims(ctx context.Context, id string) (int, error) {
	var out api.ResetClaimsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/reset-claims", nil, &out); err != nil {
		return 0, err
	}
	return out.Released, nil
}

func (c *Client) Schedule(ctx context.Context, id string, limit int) (*api.ScheduleResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out api.ScheduleResponse
	return &out, c.do(ctx, http.MethodGet, withQuery("/v1/runs/"+url.PathEscape(id)+"/schedule", q), nil, &out)
}

// DLQOptions narrows ListDLQ.
type DLQOptions struct {
	RunID           string
	Categories      []string
	IncludeReplayed bool
	Limit           int
}

func (c *Client) ListDLQ(ctx context.Context, opts DLQOptions) ([]*store.DLQEntry, error) {
	q := url.Values{}
	if opts.RunID != "" {
		q.Set("run_id", opts.RunID)
	}
	if len(opts.Categories) > 0 {
		q.Set("category", strings.Join(opts.Categories, ","))
	}
	if opts.IncludeReplayed {
		q.Set("include_replayed", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out api.DLQListResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/dlq", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) Replay(ctx context.Context, req replay.Request) (*store.ReplayAudit, error) {
	var out store.ReplayAudit
	return &out, c.do(ctx, http.MethodPost, "/v1/dlq/replay", req, &out)
}

func (c *Client) ListReplays(ctx context.Context, runID string, limit int) ([]*store.ReplayAudit, error) {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out api.AuditListResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/replays", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Audits, nil
}

// Report downloads a CSV export ("dlq" or "replays").
func (c *Client) Report(ctx context.Context, reportType, runID string, since time.Time) ([]byte, error) {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	status, data, err := c.raw(ctx, http.MethodGet, withQuery("/v1/reports/"+url.PathEscape(reportType), q), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		apiErr := &Error{Status: status}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(status)
		}
		return nil, apiErr
	}
	return data, nil
}

// Health checks the daemon. A degraded daemon answers 503 with a body, which
// is returned alongside the error.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	status, data, err := c.raw(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode response: %w", err)
	}
	if status != http.StatusOK {
		return out, &Error{Status: status, Code: out.Status}
	}
	return out, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		err := c.once(ctx, method, path, payload, out)
		if err == nil || attempt >= c.retries || !retryable(method, err) {
			return err
		}
		select {
		case <-time.After(c.backoff.Next(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func retryable(method string, err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return method == http.MethodGet
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	status, data, err := c.raw(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if status >= 300 {
		apiErr := &Error{Status: status}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(status)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
