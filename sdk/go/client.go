package steplinesdk

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

// Client is a minimal Stepline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Snapshot struct {
	CumulativeSteps int        `json:"cumulative_steps"`
	DistanceKm      float64    `json:"distance_km"`
	Calories        float64    `json:"calories"`
	Date            string     `json:"date"`
	SessionStart    *time.Time `json:"session_start,omitempty"`
	ElapsedMinutes  float64    `json:"elapsed_minutes"`
}

type Challenge struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	StepThreshold int    `json:"stepThreshold"`
	Completed     bool   `json:"completed"`
}

type Target struct {
	DailyStepTarget int    `json:"daily_step_target"`
	HeightCm        int    `json:"height_cm"`
	WeightKg        int    `json:"weight_kg"`
	Username        string `json:"username,omitempty"`
	ProfileImage    string `json:"profile_image,omitempty"`
}

type Status struct {
	Snapshot      Snapshot `json:"snapshot"`
	Progress      float64  `json:"progress"`
	Target        Target   `json:"target"`
	ActiveSession *string  `json:"active_session,omitempty"`
}

// Update is returned for every delivered step count.
type Update struct {
	Snapshot  Snapshot    `json:"snapshot"`
	Progress  float64     `json:"progress"`
	Completed []Challenge `json:"completed"`
}

type DailyDistance struct {
	Date       string  `json:"date"`
	DistanceKm float64 `json:"distance_km"`
}

type Session struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	StartedAt  string  `json:"started_at"`
	StoppedAt  *string `json:"stopped_at,omitempty"`
	StartSteps int     `json:"start_steps"`
}

type RoutePoint struct {
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Route struct {
	SessionID  string       `json:"session_id"`
	Points     []RoutePoint `json:"points"`
	DistanceKm float64      `json:"distance_km"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
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
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context) ([]DailyDistance, error) {
	var resp []DailyDistance
	err := c.do(ctx, http.MethodGet, "history", nil, &resp)
	return resp, err
}

func (c *Client) Challenges(ctx context.Context) ([]Challenge, error) {
	var resp []Challenge
	err := c.do(ctx, http.MethodGet, "challenges", nil, &resp)
	return resp, err
}

// AddChallenge creates a challenge and returns it with any challenges it completed immediately.
func (c *Client) AddChallenge(ctx context.Context, title string, threshold int) (Challenge, []Challenge, error) {
	var resp struct {
		Challenge Challenge   `json:"challenge"`
		Completed []Challenge `json:"completed"`
	}
	err := c.do(ctx, http.MethodPost, "challenges", map[string]any{"title": title, "step_threshold": threshold}, &resp)
	return resp.Challenge, resp.Completed, err
}

func (c *Client) Target(ctx context.Context) (Target, error) {
	var resp Target
	err := c.do(ctx, http.MethodGet, "target", nil, &resp)
	return resp, err
}

func (c *Client) SetTarget(ctx context.Context, t Target) (Target, error) {
	var resp Target
	err := c.do(ctx, http.MethodPut, "target", t, &resp)
	return resp, err
}

// StartSession opens a session fed through RecordSteps and RecordPosition.
func (c *Client) StartSession(ctx context.Context, source string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", map[string]any{"source": source}, &resp)
	return resp, err
}

// RecordSteps delivers the raw count since the session started.
func (c *Client) RecordSteps(ctx context.Context, sessionID string, raw int) (Update, error) {
	var resp Update
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "steps"), map[string]any{"steps": raw}, &resp)
	return resp, err
}

func (c *Client) RecordPosition(ctx context.Context, sessionID string, lat, lon float64, at time.Time) (RoutePoint, error) {
	body := map[string]any{"lat": lat, "lon": lon}
	if !at.IsZero() {
		body["at"] = at.UTC().Format(time.RFC3339Nano)
	}
	var resp RoutePoint
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "positions"), body, &resp)
	return resp, err
}

func (c *Client) StopSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, &resp)
	return resp, err
}

func (c *Client) Route(ctx context.Context, sessionID string) (Route, error) {
	var resp Route
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "route"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, optionally narrowed to one type.
func (c *Client) EventsPage(ctx context.Context, limit int, eventType, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if eventType != "" {
		q.Set("type", eventType)
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
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func sessionPath(id, sub string) string {
	p := "sessions/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
