package readylinesdk

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

// Client is a minimal Readyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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

// Approval records a human override of a quest's completion.
type Approval struct {
	ApprovedBy string  `json:"approved_by"`
	ApprovedAt string  `json:"approved_at"`
	RevokedAt  *string `json:"revoked_at,omitempty"`
}

// QuestEntry is the per-quest state inside a readiness snapshot.
type QuestEntry struct {
	Status     string    `json:"status"`
	Level      int       `json:"level"`
	LastSeenAt string    `json:"last_seen_at,omitempty"`
	Source     string    `json:"completion_source"`
	Approval   *Approval `json:"manual_approval,omitempty"`
}

// Readiness is a repository's readiness snapshot.
type Readiness struct {
	RepoID                string                `json:"repo_id"`
	TeamID                string                `json:"team_id"`
	ComputedFromScanRunID string                `json:"computed_from_scan_run_id,omitempty"`
	UpdatedAt             string                `json:"updated_at"`
	TotalQuests           int                   `json:"total_quests"`
	CompletedQuests       int                   `json:"completed_quests"`
	CompletionPercentage  float64               `json:"completion_percentage"`
	Quests                map[string]QuestEntry `json:"quests"`
}

// ScanRun is one ingested scan report.
type ScanRun struct {
	ID        string `json:"id"`
	RepoID    string `json:"repo_id"`
	TeamID    string `json:"team_id"`
	CommitSHA string `json:"commit_sha,omitempty"`
	RefName   string `json:"ref_name,omitempty"`
	ScannedAt string `json:"scanned_at"`
	CreatedAt string `json:"created_at"`
}

// IngestResult is what the server returns for an accepted report.
type IngestResult struct {
	ScanRun   ScanRun   `json:"scan_run"`
	Readiness Readiness `json:"readiness"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TeamID     string         `json:"team_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
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

// IngestReport posts a raw scan report.
func (c *Client) IngestReport(ctx context.Context, report []byte) (IngestResult, error) {
	var resp IngestResult
	err := c.doRaw(ctx, http.MethodPost, "v0/reports", report, &resp)
	return resp, err
}

// Readiness fetches a repository's readiness snapshot.
func (c *Client) Readiness(ctx context.Context, repoID string) (Readiness, error) {
	var resp Readiness
	endpoint := fmt.Sprintf("v0/repos/%s/readiness", url.PathEscape(repoID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApproveQuest manually approves a quest. Level 0 uses the server default.
func (c *Client) ApproveQuest(ctx context.Context, repoID, questKey, approvedBy string, level int) (Readiness, error) {
	body := map[string]any{}
	if approvedBy != "" {
		body["approved_by"] = approvedBy
	}
	if level > 0 {
		body["level"] = level
	}
	var resp Readiness
	endpoint := fmt.Sprintf("v0/repos/%s/quests/%s/approve", url.PathEscape(repoID), url.PathEscape(questKey))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RevokeApproval revokes a manual approval.
func (c *Client) RevokeApproval(ctx context.Context, repoID, questKey string) (Readiness, error) {
	var resp Readiness
	endpoint := fmt.Sprintf("v0/repos/%s/quests/%s/revoke", url.PathEscape(repoID), url.PathEscape(questKey))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, optionally filtered by type.
func (c *Client) Events(ctx context.Context, limit int, eventType string) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if eventType != "" {
		params.Set("type", eventType)
	}
	if q := params.Encode(); q != "" {
		endpoint += "?" + q
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var raw []byte
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		raw = buf.Bytes()
	}
	return c.doRaw(ctx, method, endpoint, raw, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body []byte, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
