package syncclient

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

	"kanban-sync/domain"
)

// APIError is a non-2xx answer from the task API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("task api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the task API over HTTP.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// NewClient creates a new Client.
func NewClient(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	q := url.Values{}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.AssigneeID != "" {
		q.Set("assigneeId", filter.AssigneeID)
	}
	if !filter.From.IsZero() {
		q.Set("from", filter.From.Format(time.DateOnly))
	}
	if !filter.To.IsZero() {
		q.Set("to", filter.To.Format(time.DateOnly))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) Get(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

func (c *Client) Create(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", in, &t)
	return t, err
}

func (c *Client) Update(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), in, &t)
	return t, err
}

func (c *Client) Delete(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

// Online returns the identities the server currently counts as online.
func (c *Client) Online(ctx context.Context) ([]string, error) {
	var resp struct {
		Users []string `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/users/online", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}
