// Package controlplane is the outbound HTTP client for the mission
// control API: tasks, messages, documents, tool proxying, and the
// version probe. Every call carries a freshly minted agent token.
package controlplane

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
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/tenancy"
)

const (
	headerAgentToken = "X-Agent-Token"

	defaultTimeout = 15 * time.Second
)

// Client talks to the control plane.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *tenancy.TokenService
	logger  *slog.Logger
}

// New builds a client. baseURL may be empty; calls then fail with a
// config error, which lets the runtime start without a control plane.
func New(baseURL string, tokens *tenancy.TokenService, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		tokens:  tokens,
		logger:  logger.With("component", "controlplane"),
	}
}

// Task is a mission-control task.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// CreateTaskRequest creates a task.
type CreateTaskRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// MessageRequest posts a message under a task.
type MessageRequest struct {
	TaskID         string `json:"task_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	TraceID        string `json:"trace_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// DocumentRequest posts a document under a task.
type DocumentRequest struct {
	TaskID         string `json:"task_id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	TraceID        string `json:"trace_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Created is the id handed back for a posted entity.
type Created struct {
	ID string `json:"id"`
}

// ToolInfo describes one backend tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListTasks returns up to limit recent tasks.
func (c *Client) ListTasks(ctx context.Context, id tenancy.Identity, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.do(ctx, id, http.MethodGet, "/api/mission-control/tasks?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, id tenancy.Identity, req CreateTaskRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, id, http.MethodPost, "/api/mission-control/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// FindOrCreateTask returns the newest task whose title matches, or
// creates one. The create carries a key derived from tenant and title
// so retried lookups collapse onto one task.
func (c *Client) FindOrCreateTask(ctx context.Context, id tenancy.Identity, title string) (*Task, error) {
	tasks, err := c.ListTasks(ctx, id, 50)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if strings.EqualFold(tasks[i].Title, title) {
			return &tasks[i], nil
		}
	}
	return c.CreateTask(ctx, id, CreateTaskRequest{
		Title:          title,
		IdempotencyKey: fmt.Sprintf("task-%s-%s", id.TenantID, strings.ToLower(title)),
	})
}

// PostMessage posts a message; returns the created id.
func (c *Client) PostMessage(ctx context.Context, id tenancy.Identity, req MessageRequest) (string, error) {
	var created Created
	if err := c.do(ctx, id, http.MethodPost, "/api/mission-control/messages", req, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// PostDocument posts a document; returns the created id.
func (c *Client) PostDocument(ctx context.Context, id tenancy.Identity, req DocumentRequest) (string, error) {
	var created Created
	if err := c.do(ctx, id, http.MethodPost, "/api/mission-control/documents", req, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// ListTools enumerates the backend's tools.
func (c *Client) ListTools(ctx context.Context, id tenancy.Identity) ([]ToolInfo, error) {
	var out struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := c.do(ctx, id, http.MethodGet, "/api/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// ToolCallContext carries the execution context headers for a proxied
// tool call.
type ToolCallContext struct {
	TenantID    string
	WorkspaceID string
	TraceID     string
	UserID      string
	Role        string
	Timeout     time.Duration
}

// ToolCallOutcome is the mapped proxy result. Success mirrors the
// backend's HTTP status; failures carry a human-readable error.
type ToolCallOutcome struct {
	Success    bool
	Result     any
	Error      string
	DurationMs int64
}

// CallTool proxies one tool invocation to the backend with a bounded
// timeout. Transport failures are mapped, never returned as Go errors:
// the arbiter always gets an outcome to hand to the model.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, tc ToolCallContext) ToolCallOutcome {
	start := time.Now()
	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := func(success bool, result any, errMsg string) ToolCallOutcome {
		return ToolCallOutcome{
			Success:    success,
			Result:     result,
			Error:      errMsg,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	if c.baseURL == "" {
		return outcome(false, nil, "control plane is not configured")
	}

	body, err := json.Marshal(args)
	if err != nil {
		return outcome(false, nil, "encode arguments: "+err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/tools/"+url.PathEscape(name), bytes.NewReader(body))
	if err != nil {
		return outcome(false, nil, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tc.TenantID)
	req.Header.Set("X-Workspace-ID", tc.WorkspaceID)
	req.Header.Set("X-Trace-ID", tc.TraceID)
	if token, err := c.tokens.Mint(tc.TenantID, tc.UserID, tc.Role); err == nil {
		req.Header.Set(headerAgentToken, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcome(false, nil, fmt.Sprintf("Tool call timed out after %dms", timeout.Milliseconds()))
		}
		return outcome(false, nil, err.Error())
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return outcome(false, nil, "read response: "+err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return outcome(false, nil, fmt.Sprintf("Backend error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		decoded = string(payload)
	}
	return outcome(true, decoded, "")
}

// VersionInfo is the control plane's version probe response.
type VersionInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version,omitempty"`
}

// Version probes GET /api/version.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := c.do(ctx, tenancy.Identity{}, http.MethodGet, "/api/version", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Compatible probes GET /api/compatibility.
func (c *Client) Compatible(ctx context.Context) (bool, error) {
	var out struct {
		Compatible bool `json:"compatible"`
	}
	if err := c.do(ctx, tenancy.Identity{}, http.MethodGet, "/api/compatibility", nil, &out); err != nil {
		return false, err
	}
	return out.Compatible, nil
}

func (c *Client) do(ctx context.Context, id tenancy.Identity, method, path string, in, out any) error {
	if c.baseURL == "" {
		return errkind.New(errkind.ConfigError, "control plane url is not configured")
	}

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id.TenantID != "" {
		token, err := c.tokens.Mint(id.TenantID, id.UserID, id.AgentRole)
		if err != nil {
			return errkind.Wrap(errkind.ConfigError, err, "mint agent token")
		}
		req.Header.Set(headerAgentToken, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, err, "control plane request")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errkind.New(errkind.UpstreamUnavailable,
			"control plane %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
