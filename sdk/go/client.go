package flowlinesdk

import (
	"bufio"
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

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL    string
	Actor      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API item model.
type WorkItem struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Type           string   `json:"type"`
	Priority       *int     `json:"priority,omitempty"`
	Stage          string   `json:"stage"`
	Worker         *string  `json:"worker,omitempty"`
	RejectionCount int      `json:"rejection_count"`
	DependsOn      []string `json:"depends_on,omitempty"`
	OutputPath     *string  `json:"output_path,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	CompletedAt    *string  `json:"completed_at,omitempty"`
}

// Claim represents an exclusive worker assignment.
type Claim struct {
	ItemID    string `json:"item_id"`
	Worker    string `json:"worker"`
	ClaimedAt string `json:"claimed_at"`
}

// Mission represents the mission lifecycle record.
type Mission struct {
	ID          string  `json:"id"`
	State       string  `json:"state"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// ActivityEntry represents one audit log record.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	MissionID string `json:"mission_id,omitempty"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	TS        string `json:"ts"`
}

// MoveResult is the response of a move request.
type MoveResult struct {
	Item          WorkItem `json:"item"`
	PreviousStage string   `json:"previous_stage"`
	WIP           struct {
		Stage   string `json:"stage"`
		Limit   *int   `json:"limit,omitempty"`
		Current int    `json:"current"`
	} `json:"wip"`
}

// RejectResult is the response of a reject request.
type RejectResult struct {
	Item           WorkItem `json:"item"`
	RejectionCount int      `json:"rejection_count"`
	Escalated      bool     `json:"escalated"`
}

// ReleaseResult reports whether a release removed a claim.
type ReleaseResult struct {
	Released bool    `json:"released"`
	Worker   *string `json:"worker,omitempty"`
}

// APIError wraps non-2xx responses, carrying the envelope's error code when
// the body parses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItem creates a work item in the backlog.
func (c *Client) CreateItem(ctx context.Context, title, itemType string, dependsOn []string) (WorkItem, error) {
	body := map[string]any{
		"title": title,
		"type":  itemType,
	}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v1/items", body, &resp)
	return resp, err
}

// GetItem fetches one item.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "v1/items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListItems lists live items, optionally filtered by stage.
func (c *Client) ListItems(ctx context.Context, stage string) ([]WorkItem, error) {
	endpoint := "v1/items"
	if stage != "" {
		endpoint += "?stage=" + url.QueryEscape(stage)
	}
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// MoveItem moves an item to another stage.
func (c *Client) MoveItem(ctx context.Context, id, to string, force bool) (MoveResult, error) {
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, "v1/items/"+url.PathEscape(id)+"/move", map[string]any{
		"to":    to,
		"force": force,
	}, &resp)
	return resp, err
}

// ClaimItem claims an item for a worker.
func (c *Client) ClaimItem(ctx context.Context, id, worker string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, "v1/items/"+url.PathEscape(id)+"/claim", map[string]any{
		"worker": worker,
	}, &resp)
	return resp, err
}

// ReleaseItem releases an item's claim.
func (c *Client) ReleaseItem(ctx context.Context, id string) (ReleaseResult, error) {
	var resp ReleaseResult
	err := c.do(ctx, http.MethodPost, "v1/items/"+url.PathEscape(id)+"/release", nil, &resp)
	return resp, err
}

// RejectItem sends an item back for rework.
func (c *Client) RejectItem(ctx context.Context, id, reason, reworkStage string) (RejectResult, error) {
	var resp RejectResult
	err := c.do(ctx, http.MethodPost, "v1/items/"+url.PathEscape(id)+"/reject", map[string]any{
		"reason":       reason,
		"rework_stage": reworkStage,
	}, &resp)
	return resp, err
}

// UpdateItem patches item fields. Nil pointers leave fields untouched.
func (c *Client) UpdateItem(ctx context.Context, id string, title *string, priority *int, addDeps, removeDeps []string) (WorkItem, error) {
	body := map[string]any{}
	if title != nil {
		body["title"] = *title
	}
	if priority != nil {
		body["priority"] = *priority
	}
	if len(addDeps) > 0 {
		body["add_depends_on"] = addDeps
	}
	if len(removeDeps) > 0 {
		body["remove_depends_on"] = removeDeps
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPatch, "v1/items/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// ArchiveItem soft-deletes an item.
func (c *Client) ArchiveItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodDelete, "v1/items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Mission returns the current mission.
func (c *Client) Mission(ctx context.Context) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v1/mission", nil, &resp)
	return resp, err
}

// AdvanceMission moves the mission one phase forward.
func (c *Client) AdvanceMission(ctx context.Context) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v1/mission/advance", nil, &resp)
	return resp, err
}

// FailMission marks the mission failed.
func (c *Client) FailMission(ctx context.Context, reason string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v1/mission/fail", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// StageInfo describes one pipeline stage and its capacity.
type StageInfo struct {
	ID       string `json:"id"`
	Order    int    `json:"order"`
	WIPLimit *int   `json:"wip_limit,omitempty"`
}

// Snapshot is the full pipeline state.
type Snapshot struct {
	Stages  []StageInfo `json:"stages"`
	Items   []WorkItem  `json:"items"`
	Claims  []Claim     `json:"claims"`
	Mission *Mission    `json:"mission,omitempty"`
}

// State fetches the full pipeline snapshot.
func (c *Client) State(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "v1/state", nil, &resp)
	return resp, err
}

// DependencyReport summarizes graph validity and per-item readiness.
type DependencyReport struct {
	Valid        bool     `json:"valid"`
	CyclePath    []string `json:"cycle_path,omitempty"`
	ReadyItems   []string `json:"ready_items"`
	BlockedItems []string `json:"blocked_items"`
}

// CheckDependencies fetches the dependency graph report.
func (c *Client) CheckDependencies(ctx context.Context) (DependencyReport, error) {
	var resp DependencyReport
	err := c.do(ctx, http.MethodGet, "v1/deps/check", nil, &resp)
	return resp, err
}

// WorkLogEntry is one append-only work-log record for an item.
type WorkLogEntry struct {
	ID      string `json:"id"`
	ItemID  string `json:"item_id"`
	Worker  string `json:"worker"`
	Action  string `json:"action"`
	Summary string `json:"summary,omitempty"`
	TS      string `json:"ts"`
}

// WorkLog returns an item's work-log entries, newest first.
func (c *Client) WorkLog(ctx context.Context, id string, limit int) ([]WorkLogEntry, error) {
	endpoint := "v1/items/" + url.PathEscape(id) + "/log"
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Entries []WorkLogEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Entries, err
}

// Activity returns activity-log entries after the given cursor.
func (c *Client) Activity(ctx context.Context, after int64, limit int) ([]ActivityEntry, error) {
	endpoint := fmt.Sprintf("v1/activity?after=%d", after)
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var resp struct {
		Entries []ActivityEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Entries, err
}

// StreamEvent is one server-sent event from the change feed. Data holds the
// raw JSON payload; decode it based on Type.
type StreamEvent struct {
	Type string
	Data json.RawMessage
}

// Stream subscribes to the change feed. The returned channel closes when the
// context is cancelled or the server hangs up; heartbeat events are passed
// through. The stream has no client-side timeout regardless of c.Timeout.
func (c *Client) Stream(ctx context.Context) (<-chan StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/v1/events/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Actor != "" {
		req.Header.Set("X-Actor", c.Actor)
	}
	// Long-lived connection, so bypass the client timeout.
	httpc := &http.Client{Transport: http.DefaultTransport}
	if c.HTTPClient != nil && c.HTTPClient.Transport != nil {
		httpc.Transport = c.HTTPClient.Transport
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		var ev StreamEvent
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.Data = json.RawMessage(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			case line == "":
				if ev.Type != "" || len(ev.Data) > 0 {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
				ev = StreamEvent{}
			}
		}
	}()
	return ch, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Actor != "" {
		req.Header.Set("X-Actor", c.Actor)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
