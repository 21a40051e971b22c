package steeltracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Steeltrack HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Connection represents the API connection model (partial).
type Connection struct {
	ID              string  `json:"id"`
	Code            string  `json:"code"`
	ProjectID       string  `json:"project_id"`
	Type            string  `json:"type"`
	Subtype         string  `json:"subtype"`
	Topology        string  `json:"topology"`
	State           string  `json:"state"`
	RequesterID     string  `json:"requester_id"`
	ExecutorID      *string `json:"executor_id,omitempty"`
	ApproverID      *string `json:"approver_id,omitempty"`
	RejectionDetail *string `json:"rejection_detail,omitempty"`
	Version         int64   `json:"version"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// HistoryEntry is one lifecycle timeline row.
type HistoryEntry struct {
	ID     int64   `json:"id"`
	UserID string  `json:"user_id"`
	State  string  `json:"state"`
	Detail *string `json:"detail,omitempty"`
	TS     string  `json:"ts"`
}

// Notification is an unread or read in-app notification.
type Notification struct {
	ID        int64  `json:"id"`
	Message   string `json:"message"`
	URL       string `json:"url"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedConnections wraps list responses with cursors.
type PaginatedConnections struct {
	Items      []Connection `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// CreateConnection creates a connection in the given project.
func (c *Client) CreateConnection(ctx context.Context, projectID, typ, subtype, topology string, profiles []string) (Connection, error) {
	body := map[string]any{
		"project_id": projectID,
		"type":       typ,
		"subtype":    subtype,
		"topology":   topology,
		"profiles":   profiles,
	}
	var resp Connection
	err := c.do(ctx, http.MethodPost, "v1/connections", body, &resp)
	return resp, err
}

// Connections returns one page of connections.
func (c *Client) Connections(ctx context.Context, projectID, state string, limit int, cursor string) (PaginatedConnections, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/connections"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedConnections
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition applies a lifecycle step to a connection.
func (c *Client) Transition(ctx context.Context, connectionID, state, detail string) (Connection, error) {
	body := map[string]any{
		"state":  state,
		"detail": detail,
	}
	var resp struct {
		Connection Connection `json:"connection"`
		Message    string     `json:"message"`
	}
	endpoint := fmt.Sprintf("v1/connections/%s/transition", url.PathEscape(connectionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Connection, err
}

// Assign sets the executor of a connection.
func (c *Client) Assign(ctx context.Context, connectionID, userID string) (Connection, error) {
	body := map[string]any{"user_id": userID}
	var resp Connection
	endpoint := fmt.Sprintf("v1/connections/%s/assign", url.PathEscape(connectionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// History returns the lifecycle timeline of a connection.
func (c *Client) History(ctx context.Context, connectionID string) ([]HistoryEntry, error) {
	var resp struct {
		History []HistoryEntry `json:"history"`
	}
	endpoint := fmt.Sprintf("v1/connections/%s", url.PathEscape(connectionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.History, err
}

// Notifications returns the caller's notifications.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "v1/notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp struct {
		Items  []Notification `json:"items"`
		Unread int            `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// MarkNotificationsRead marks everything read and reports how many rows changed.
func (c *Client) MarkNotificationsRead(ctx context.Context) (int64, error) {
	var resp struct {
		Updated int64 `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "v1/notifications/read", struct{}{}, &resp)
	return resp.Updated, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
