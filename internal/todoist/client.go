// Package todoist implements provider.Provider over the Todoist API v1.
package todoist

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
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/inbox-labeler/internal/provider"
)

const (
	DefaultBaseURL     = "https://api.todoist.com/api/v1"
	DefaultLabelDelay  = 200 * time.Millisecond
	DefaultHTTPTimeout = 30 * time.Second

	maxResponseBytes = 8 << 20
)

var (
	// ErrUnauthorized is returned when the API rejects the token.
	ErrUnauthorized = errors.New("todoist: unauthorized")
	// ErrNoInbox is returned when no project is flagged as the inbox.
	ErrNoInbox = errors.New("todoist: inbox project not found")
)

// APIError carries a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("todoist %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type Config struct {
	BaseURL     string
	Token       string
	LabelDelay  time.Duration
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client talks to Todoist. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	inbox string
}

var _ provider.Provider = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.LabelDelay <= 0 {
		cfg.LabelDelay = DefaultLabelDelay
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Every(cfg.LabelDelay), 1),
		logger:  cfg.Logger,
	}
}

// Available reports whether a token is configured.
func (c *Client) Available() bool { return c.token != "" }

// BaseURL returns the API root the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

type apiTask struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description"`
	ProjectID   string   `json:"project_id"`
	Labels      []string `json:"labels"`
	Checked     bool     `json:"checked"`
	IsDeleted   bool     `json:"is_deleted"`
}

func (t apiTask) toTask() provider.Task {
	return provider.Task{
		ID:          t.ID,
		Content:     t.Content,
		Description: t.Description,
		ProjectID:   t.ProjectID,
		Labels:      t.Labels,
		IsCompleted: t.Checked,
	}
}

type apiProject struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	InboxProject bool   `json:"inbox_project"`
}

type projectsPage struct {
	Results    []apiProject `json:"results"`
	NextCursor *string      `json:"next_cursor"`
}

// ResolveInbox finds the inbox project id. The first successful answer is
// cached for the lifetime of the client.
func (c *Client) ResolveInbox(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.inbox
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	cursor := ""
	for {
		path := "/projects"
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}
		var page projectsPage
		if err := c.do(ctx, http.MethodGet, path, nil, "", &page); err != nil {
			return "", fmt.Errorf("list projects: %w", err)
		}
		for _, p := range page.Results {
			if p.InboxProject {
				c.mu.Lock()
				c.inbox = p.ID
				c.mu.Unlock()
				c.logger.Debug("todoist inbox resolved", "project_id", p.ID)
				return p.ID, nil
			}
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			return "", ErrNoInbox
		}
		cursor = *page.NextCursor
	}
}

type syncResponse struct {
	SyncToken string    `json:"sync_token"`
	FullSync  bool      `json:"full_sync"`
	Items     []apiTask `json:"items"`
}

// ListTasks performs a full sync of items and returns the live tasks of
// collectionID in the order the API returned them.
func (c *Client) ListTasks(ctx context.Context, collectionID string) (provider.Listing, error) {
	form := url.Values{}
	form.Set("sync_token", "*")
	form.Set("resource_types", `["items"]`)

	var resp syncResponse
	if err := c.do(ctx, http.MethodPost, "/sync", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &resp); err != nil {
		return provider.Listing{}, fmt.Errorf("sync items: %w", err)
	}

	listing := provider.Listing{SyncToken: resp.SyncToken}
	for _, item := range resp.Items {
		if item.IsDeleted {
			continue
		}
		if collectionID != "" && item.ProjectID != collectionID {
			continue
		}
		listing.Tasks = append(listing.Tasks, item.toTask())
	}
	return listing, nil
}

// GetTask fetches one task. A 404 means the task was deleted and yields nil, nil.
func (c *Client) GetTask(ctx context.Context, taskID string) (*provider.Task, error) {
	var item apiTask
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, "", &item)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if item.IsDeleted {
		return nil, nil
	}
	task := item.toTask()
	return &task, nil
}

// ApplyLabels replaces the labels of a task. Calls are spaced by the
// configured label delay.
func (c *Client) ApplyLabels(ctx context.Context, taskID string, labels []string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for label slot: %w", err)
	}
	if labels == nil {
		labels = []string{}
	}
	body, err := json.Marshal(map[string]any{"labels": labels})
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID), bytes.NewReader(body), "application/json", nil); err != nil {
		return fmt.Errorf("update labels for %s: %w", taskID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	if c.token == "" {
		return ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug("todoist request", "method", method, "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
