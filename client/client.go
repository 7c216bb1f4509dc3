// Package client talks to the board API on behalf of the console. It satisfies
// board.Gateway.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"fieldboard/domain"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	maxErrorBody         = 4 << 10
)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("board api: status %d", e.Code)
	}
	return fmt.Sprintf("board api: status %d: %s", e.Code, e.Message)
}

// Client wraps http.Client with the board API routes.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a Client with a bounded HTTP timeout.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// ListTasks fetches the authoritative collection with columns normalized.
func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tasks", nil)
	if err != nil {
		return nil, err
	}
	var out tasksResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return domain.Normalize(out.Tasks), nil
}

// UpdateTask writes one task's placement. Each call carries a fresh
// idempotency key.
func (c *Client) UpdateTask(ctx context.Context, id string, p domain.Placement) error {
	body, err := sonic.Marshal(p)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, uuid.NewString())
	return c.do(req, nil)
}

type createTaskRequest struct {
	Description string        `json:"description"`
	Column      domain.Column `json:"column,omitempty"`
}

// CreateTask appends a task to col. An empty col lets the API pick TODO.
func (c *Client) CreateTask(ctx context.Context, description string, col domain.Column) (domain.Task, error) {
	body, err := sonic.Marshal(createTaskRequest{Description: description, Column: col})
	if err != nil {
		return domain.Task{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/tasks", bytes.NewReader(body))
	if err != nil {
		return domain.Task{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out domain.Task
	if err := c.do(req, &out); err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}
