package artlinesdk

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

// Client is a minimal artline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Ref identifies an artifact.
type Ref struct {
	Type string `json:"artifact_type"`
	ID   string `json:"artifact_id"`
}

func (r Ref) path() string {
	return fmt.Sprintf("artifacts/%s/%s", url.PathEscape(r.Type), url.PathEscape(r.ID))
}

// Initiative represents the API initiative model (partial).
type Initiative struct {
	ID        string `json:"initiative_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// Lock is an artifact checkout.
type Lock struct {
	ID                string `json:"id"`
	Artifact          Ref    `json:"artifact"`
	InitiativeID      string `json:"initiative_id"`
	LockedBy          string `json:"locked_by"`
	LockedAt          string `json:"locked_at"`
	LockExpiry        string `json:"lock_expiry"`
	BaseVersionNumber int    `json:"base_version_number"`
}

// Version is one stored version of an artifact.
type Version struct {
	ID            string   `json:"id"`
	Artifact      Ref      `json:"artifact"`
	VersionNumber int      `json:"version_number"`
	InitiativeID  *string  `json:"initiative_id,omitempty"`
	IsBaseline    bool     `json:"is_baseline"`
	Status        string   `json:"status"`
	Data          string   `json:"data"`
	ChangedFields []string `json:"changed_fields"`
}

// Conflict is a divergence reported by checkin or conflict detection.
type Conflict struct {
	ConflictID        string   `json:"conflict_id"`
	Artifact          Ref      `json:"artifact"`
	Kind              string   `json:"kind"`
	OtherInitiativeID string   `json:"other_initiative_id,omitempty"`
	ConflictingFields []string `json:"conflicting_fields"`
}

// CheckinResult is returned by Checkin.
type CheckinResult struct {
	Version   Version    `json:"version"`
	Conflicts []Conflict `json:"conflicts"`
}

// RequiredCheckout is one member of a checkout closure.
type RequiredCheckout struct {
	Artifact Ref    `json:"artifact"`
	Name     string `json:"name"`
	Depth    int    `json:"depth"`
	Reason   string `json:"reason"`
}

// Impact is the checkout impact report (partial).
type Impact struct {
	Primary           RequiredCheckout              `json:"primary_artifact"`
	RequiredCheckouts map[string][]RequiredCheckout `json:"required_checkouts"`
	RiskLevel         string                        `json:"risk_level"`
	Summary           struct {
		TotalRequiredCheckouts   int    `json:"total_required_checkouts"`
		CrossInitiativeConflicts int    `json:"cross_initiative_conflicts"`
		EstimatedComplexity      string `json:"estimated_complexity"`
	} `json:"summary"`
}

// BulkResult is returned by BulkCheckout.
type BulkResult struct {
	Impact Impact `json:"impact"`
	Locks  []Lock `json:"locks"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Reason     string         `json:"reason"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateInitiative creates an active initiative. An empty id lets the server
// generate one.
func (c *Client) CreateInitiative(ctx context.Context, id, name string) (Initiative, error) {
	body := map[string]any{"name": name}
	if id != "" {
		body["initiative_id"] = id
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, "initiatives", body, &resp)
	return resp, err
}

// CompleteInitiative promotes the initiative's pending versions to baseline.
func (c *Client) CompleteInitiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("initiatives/%s/complete", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CancelInitiative voids the initiative's pending work.
func (c *Client) CancelInitiative(ctx context.Context, id, reason string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("initiatives/%s/cancel", url.PathEscape(id)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Checkout locks ref for initiativeID.
func (c *Client) Checkout(ctx context.Context, ref Ref, initiativeID, reason string) (Lock, error) {
	var resp Lock
	err := c.do(ctx, http.MethodPost, ref.path()+"/checkout", map[string]any{
		"initiative_id": initiativeID,
		"reason":        reason,
	}, &resp)
	return resp, err
}

// Checkin records changes as a pending version and releases the lock.
func (c *Client) Checkin(ctx context.Context, ref Ref, initiativeID string, changes map[string]any, description string) (CheckinResult, error) {
	var resp CheckinResult
	err := c.do(ctx, http.MethodPost, ref.path()+"/checkin", map[string]any{
		"initiative_id": initiativeID,
		"changes":       changes,
		"description":   description,
	}, &resp)
	return resp, err
}

// BulkCheckout locks ref and its dependency closure, or nothing.
func (c *Client) BulkCheckout(ctx context.Context, ref Ref, initiativeID, reason string) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, ref.path()+"/bulk-checkout", map[string]any{
		"initiative_id": initiativeID,
		"reason":        reason,
	}, &resp)
	return resp, err
}

// AnalyzeImpact reports what checking out ref would require.
func (c *Client) AnalyzeImpact(ctx context.Context, ref Ref, initiativeID string) (Impact, error) {
	endpoint := ref.path() + "/impact"
	if initiativeID != "" {
		endpoint += "?initiative_id=" + url.QueryEscape(initiativeID)
	}
	var resp Impact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Versions lists every version of ref.
func (c *Client) Versions(ctx context.Context, ref Ref) ([]Version, error) {
	var resp []Version
	err := c.do(ctx, http.MethodGet, ref.path()+"/versions", nil, &resp)
	return resp, err
}

// ListLocks lists live locks, optionally for one initiative.
func (c *Client) ListLocks(ctx context.Context, initiativeID string) ([]Lock, error) {
	endpoint := "locks"
	if initiativeID != "" {
		endpoint += "?initiative_id=" + url.QueryEscape(initiativeID)
	}
	var resp []Lock
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	endpoint := "events"
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
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
