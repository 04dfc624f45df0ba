package pidestatsdk

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

// Client is a minimal pidestat HTTP API client.
type Client struct {
	BaseURL     string
	SessionID   string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Timeout:   10 * time.Second,
	}
}

// Session is a group of document versions.
type Session struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Version is one revision of the document tree.
type Version struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Seq       int64   `json:"seq"`
	ParentID  *string `json:"parent_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// Node is a node definition with its lifecycle flags.
type Node struct {
	VersionID    string   `json:"version_id"`
	Name         string   `json:"name"`
	Commands     []string `json:"commands"`
	Initialized  bool     `json:"initialized"`
	Consolidated bool     `json:"consolidated"`
}

// MarkupEvent is one markup element; Elapsed is only meaningful for timing.
type MarkupEvent struct {
	Kind    string  `json:"kind"`
	Elapsed float64 `json:"elapsed,omitempty"`
}

// CommandState identifies one evaluation attempt of a command.
type CommandState struct {
	ID        int64  `json:"id"`
	CommandID string `json:"command_id"`
	ExecID    string `json:"exec_id"`
	CreatedAt string `json:"created_at"`
}

// NodeStatus is the nine-key status object of a node.
type NodeStatus struct {
	OK           bool `json:"ok"`
	Total        int  `json:"total"`
	Unprocessed  int  `json:"unprocessed"`
	Running      int  `json:"running"`
	Warned       int  `json:"warned"`
	Failed       int  `json:"failed"`
	Finished     int  `json:"finished"`
	Initialized  bool `json:"initialized"`
	Consolidated bool `json:"consolidated"`
}

// NodeSummary is a node status with its derived progress.
type NodeSummary struct {
	VersionID  string     `json:"version_id"`
	Node       string     `json:"node"`
	Status     NodeStatus `json:"status"`
	Percentage int        `json:"percentage"`
	Overall    string     `json:"overall"`
}

// Nodes is the status of every node of a version.
type Nodes struct {
	VersionID string         `json:"version_id"`
	Nodes     []NodeSummary  `json:"nodes"`
	Summary   map[string]int `json:"summary"`
}

// NodeTiming is the checking time of a node in seconds.
type NodeTiming struct {
	VersionID string             `json:"version_id"`
	Node      string             `json:"node"`
	Threshold float64            `json:"threshold"`
	Total     float64            `json:"total"`
	Commands  map[string]float64 `json:"commands"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateSession creates a session.
func (c *Client) CreateSession(ctx context.Context, id, description string) (Session, error) {
	body := map[string]any{"id": id}
	if description != "" {
		body["description"] = description
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// CreateVersion creates the next version of the session. parentID may be
// empty, a version id, or "latest".
func (c *Client) CreateVersion(ctx context.Context, parentID string) (Version, error) {
	body := map[string]any{}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp Version
	err := c.do(ctx, http.MethodPost, c.sessionPath("versions"), body, &resp)
	return resp, err
}

// Versions lists the versions of the session.
func (c *Client) Versions(ctx context.Context) ([]Version, error) {
	var resp []Version
	err := c.do(ctx, http.MethodGet, c.sessionPath("versions"), nil, &resp)
	return resp, err
}

// DefineNode sets the ordered commands of a node.
func (c *Client) DefineNode(ctx context.Context, versionID, name string, commands []string) (Node, error) {
	if commands == nil {
		commands = []string{}
	}
	body := map[string]any{"name": name, "commands": commands}
	var resp Node
	err := c.do(ctx, http.MethodPut, versionPath(versionID, "nodes"), body, &resp)
	return resp, err
}

// SetNodeFlags updates the lifecycle flags that are not nil.
func (c *Client) SetNodeFlags(ctx context.Context, versionID, name string, initialized, consolidated *bool) (Node, error) {
	body := map[string]any{"node": name}
	if initialized != nil {
		body["initialized"] = *initialized
	}
	if consolidated != nil {
		body["consolidated"] = *consolidated
	}
	var resp Node
	err := c.do(ctx, http.MethodPatch, versionPath(versionID, "flags"), body, &resp)
	return resp, err
}

// AppendMarkup reports markup for one evaluation attempt of a command.
func (c *Client) AppendMarkup(ctx context.Context, versionID, commandID, execID string, events ...MarkupEvent) (CommandState, error) {
	body := map[string]any{
		"command_id": commandID,
		"exec_id":    execID,
		"events":     events,
	}
	var resp CommandState
	err := c.do(ctx, http.MethodPost, versionPath(versionID, "markup"), body, &resp)
	return resp, err
}

// NodeStatus returns the status of one node.
func (c *Client) NodeStatus(ctx context.Context, versionID, node string) (NodeStatus, error) {
	var resp NodeStatus
	endpoint := versionPath(versionID, "status") + "?node=" + url.QueryEscape(node)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// NodeTiming returns the timing of one node. A negative threshold uses the
// server default.
func (c *Client) NodeTiming(ctx context.Context, versionID, node string, threshold float64) (NodeTiming, error) {
	q := url.Values{"node": {node}}
	if threshold >= 0 {
		q.Set("threshold", fmt.Sprintf("%g", threshold))
	}
	var resp NodeTiming
	err := c.do(ctx, http.MethodGet, versionPath(versionID, "timing")+"?"+q.Encode(), nil, &resp)
	return resp, err
}

// Nodes returns the status of every node of a version.
func (c *Client) Nodes(ctx context.Context, versionID string) (Nodes, error) {
	var resp Nodes
	err := c.do(ctx, http.MethodGet, versionPath(versionID, "nodes"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.sessionPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) sessionPath(p string) string {
	session := url.PathEscape(c.SessionID)
	return fmt.Sprintf("v0/sessions/%s/%s", session, strings.TrimLeft(p, "/"))
}

func versionPath(versionID, p string) string {
	return fmt.Sprintf("v0/versions/%s/%s", url.PathEscape(versionID), p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
