// Package feedclient talks to the feed daemon: snapshots and mutations over
// HTTP, changes over a WebSocket.
package feedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/viewsync"
)

// Client is a client of the feed daemon.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	dialer      *websocket.Dialer
	readTimeout time.Duration
	log         *slog.Logger
}

var (
	_ viewsync.SnapshotLoader = (*Client)(nil)
	_ viewsync.ChangeSource   = (*Client)(nil)
)

// NewClient creates a client for the daemon at baseURL. readTimeout bounds
// the silence tolerated on a change stream; the daemon pings well within it.
func NewClient(baseURL string, readTimeout time.Duration) *Client {
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		readTimeout: readTimeout,
		log:         slog.Default().With("component", "feedclient"),
	}
}

// snapshotResponse is the body of the list endpoints.
type snapshotResponse struct {
	Runs  []domain.Run  `json:"runs"`
	Pages []domain.Page `json:"pages"`
}

// Load fetches the full content of scope. The response is decoded and
// checked as a whole; any failure fails the load.
func (c *Client) Load(ctx context.Context, scope viewsync.Scope) (*viewsync.Snapshot, error) {
	fail := func(err error) (*viewsync.Snapshot, error) {
		return nil, &viewsync.FetchError{Scope: scope, Err: err}
	}
	if err := scope.Validate(); err != nil {
		return fail(err)
	}

	path := "/v1/runs"
	if scope.Collection == domain.CollectionPages {
		path = "/v1/pages"
		if scope.ParentID != "" {
			path = "/v1/runs/" + url.PathEscape(scope.ParentID) + "/pages"
		}
	}

	var body snapshotResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		return fail(err)
	}

	snap := &viewsync.Snapshot{Scope: scope}
	if scope.Collection == domain.CollectionRuns {
		for i, r := range body.Runs {
			if r.ID == "" {
				return fail(fmt.Errorf("run %d has no id", i))
			}
		}
		snap.Runs = body.Runs
		return snap, nil
	}
	for i, p := range body.Pages {
		if p.ID == "" {
			return fail(fmt.Errorf("page %d has no id", i))
		}
		if scope.ParentID != "" && p.RunID != scope.ParentID {
			return fail(fmt.Errorf("page %s belongs to run %q", p.ID, p.RunID))
		}
	}
	snap.Pages = body.Pages
	return snap, nil
}

// CreateRun creates a pending run.
func (c *Client) CreateRun(ctx context.Context, name, runURL string) (*domain.Run, error) {
	var run domain.Run
	req := domain.CreateRunRequest{Name: name, URL: runURL}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs", req, &run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &run, nil
}

// UpdateRunStatus moves a run to status.
func (c *Client) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) (*domain.Run, error) {
	var run domain.Run
	req := domain.UpdateRunRequest{Status: &status}
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/runs/"+url.PathEscape(runID), req, &run); err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	return &run, nil
}

// DeleteRun deletes a run and its pages.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/runs/"+url.PathEscape(runID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// AddPage records a page of a run.
func (c *Client) AddPage(ctx context.Context, runID string, req domain.CreatePageRequest) (*domain.Page, error) {
	var page domain.Page
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/pages", req, &page); err != nil {
		return nil, fmt.Errorf("failed to add page: %w", err)
	}
	return &page, nil
}

// DeletePage deletes a page.
func (c *Client) DeletePage(ctx context.Context, pageID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/pages/"+url.PathEscape(pageID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete page: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("feed error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("feed error: unexpected status %d", e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call feed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp domain.ErrorResponse
		_ = json.Unmarshal(respBody, &errResp)
		return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
