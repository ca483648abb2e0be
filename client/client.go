// Package client is a Go client for the fieldops REST API. It implements
// tracker.Backend for the device-side sampling loop.
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
	"strings"
	"time"

	"github.com/GoCodeAlone/fieldops/geofence"
	"github.com/GoCodeAlone/fieldops/idle"
	"github.com/GoCodeAlone/fieldops/task"
)

// ErrTaskNotFound is returned when the server no longer has a task.
var ErrTaskNotFound = task.ErrNotFound

// ErrUnauthorized is returned for a missing, expired or rejected token.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap maps the status onto the domain sentinel the server derived it
// from, so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return ErrTaskNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return task.ErrForbidden
	case http.StatusConflict:
		switch {
		case strings.Contains(e.Message, task.ErrNotExpired.Error()):
			return task.ErrNotExpired
		case strings.Contains(e.Message, idle.ErrNoActiveSession.Error()):
			return idle.ErrNoActiveSession
		}
		return task.ErrInvalidTransition
	case http.StatusBadRequest:
		return task.ErrInvalidTask
	}
	return nil
}

// Client holds HTTP client state.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a Client for the server at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends body (JSON-encoded unless nil) and decodes the response into v
// (may be nil).
func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(raw))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LoginResult is the body of a successful login.
type LoginResult struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Admin     bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var res LoginResult
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &res); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.Token = res.Token
	return &res, nil
}

// Status returns the public server status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var res map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListTasks returns the caller's visible tasks, optionally by status.
func (c *Client) ListTasks(ctx context.Context, status task.Status) ([]*task.Task, error) {
	path := "/api/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var tasks []*task.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// ActiveTasks returns the caller's on_the_way and on_site tasks.
func (c *Client) ActiveTasks(ctx context.Context) ([]*task.Task, error) {
	all, err := c.ListTasks(ctx, "")
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Status == task.StatusOnTheWay || t.Status == task.StatusOnSite {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTask fetches a task by ID.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Title            string              `json:"title"`
	Description      string              `json:"description,omitempty"`
	Location         geofence.Coordinate `json:"location"`
	RadiusKm         float64             `json:"radius_km"`
	TimeLimitMinutes int                 `json:"time_limit_minutes,omitempty"`
	AssignedTo       []string            `json:"assigned_to"`
}

// CreateTask creates a task. Admin only.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// DeleteTask removes a task. Admin only.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// AcceptTask moves a waiting task to on_the_way.
func (c *Client) AcceptTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/accept", struct{}{}, &t); err != nil {
		return nil, fmt.Errorf("accept task %s: %w", id, err)
	}
	return &t, nil
}

// RejectTask declines a waiting task, which removes it.
func (c *Client) RejectTask(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/reject", struct{}{}, nil); err != nil {
		return fmt.Errorf("reject task %s: %w", id, err)
	}
	return nil
}

// CompleteTask ends an on_site task.
func (c *Client) CompleteTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/complete", struct{}{}, &t); err != nil {
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}
	return &t, nil
}

// ReportGeofence reports a device-evaluated geofence sample and returns
// the task as the server now sees it.
func (c *Client) ReportGeofence(ctx context.Context, id string, inside bool) (*task.Task, error) {
	var res struct {
		Task task.Task `json:"task"`
	}
	body := map[string]bool{"inside": inside}
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/geofence", body, &res); err != nil {
		return nil, fmt.Errorf("geofence sample %s: %w", id, err)
	}
	return &res.Task, nil
}

// ReportExpired reports a countdown that reached zero. It returns false
// when another caller already removed the task.
func (c *Client) ReportExpired(ctx context.Context, id string) (bool, error) {
	var res struct {
		Expired bool `json:"expired"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/expire", struct{}{}, &res); err != nil {
		return false, fmt.Errorf("expire task %s: %w", id, err)
	}
	return res.Expired, nil
}

// StartSession opens or resumes today's time-accounting session. A
// resumed session may already be inside a task radius.
func (c *Client) StartSession(ctx context.Context) (*idle.Session, error) {
	var sess idle.Session
	if err := c.do(ctx, http.MethodPost, "/api/idle/start", struct{}{}, &sess); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return &sess, nil
}

// EndSession closes the active session, if any.
func (c *Client) EndSession(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/idle/end", struct{}{}, nil); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// UpdateRadius reports entering or leaving a task radius.
func (c *Client) UpdateRadius(ctx context.Context, inside bool, taskID string) error {
	body := struct {
		Inside bool   `json:"inside"`
		TaskID string `json:"task_id,omitempty"`
	}{inside, taskID}
	if err := c.do(ctx, http.MethodPost, "/api/idle/radius", body, nil); err != nil {
		return fmt.Errorf("update radius: %w", err)
	}
	return nil
}

// IdleStats returns one day's idle/productive summary. An empty date
// means today in the server's timezone.
func (c *Client) IdleStats(ctx context.Context, date string) (*idle.Stats, error) {
	path := "/api/idle/stats"
	if date != "" {
		path += "?date=" + url.QueryEscape(date)
	}
	var st idle.Stats
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, fmt.Errorf("idle stats: %w", err)
	}
	return &st, nil
}

// IdleHistory returns per-user, per-day summaries. Admin only.
func (c *Client) IdleHistory(ctx context.Context, userID, from, to string) ([]idle.Stats, error) {
	q := url.Values{}
	for k, v := range map[string]string{"user_id": userID, "from": from, "to": to} {
		if v != "" {
			q.Set(k, v)
		}
	}
	path := "/api/idle/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []idle.Stats
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("idle history: %w", err)
	}
	return out, nil
}
