// Package client talks to a running bridge over its HTTP API.
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
)

// ErrUnauthorized is returned when the bridge rejects the token.
var ErrUnauthorized = errors.New("bridge rejected the auth token")

// StatusError is a non-2xx answer that carries the bridge's error message.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bridge returned %d", e.Code)
	}
	return fmt.Sprintf("bridge returned %d: %s", e.Code, e.Message)
}

// Client is a thin HTTP client for the bridge API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the bridge at baseURL (e.g. http://127.0.0.1:4849).
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

// Health is the /health payload.
type Health struct {
	OK              bool            `json:"ok"`
	Version         string          `json:"version"`
	PluginConnected bool            `json:"pluginConnected"`
	Observers       int             `json:"observers"`
	PendingCalls    int             `json:"pendingCalls"`
	ActiveRuns      int             `json:"activeRuns"`
	Session         json.RawMessage `json:"session"`
}

// CallResult is the /devtools/call payload. Success is false both for plugin
// errors (HTTP 200) and for bridge-side failures.
type CallResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RunStarted is the /agent/run payload.
type RunStarted struct {
	OK        bool   `json:"ok"`
	RunID     string `json:"runId"`
	StartedAt int64  `json:"startedAt"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Call runs a devtools tool in the plugin. A zero timeout uses the bridge
// default. Plugin-reported failures come back as a result with Success
// false and a nil error.
func (c *Client) Call(ctx context.Context, tool string, params json.RawMessage, timeout time.Duration) (*CallResult, error) {
	body := map[string]interface{}{"tool": tool}
	if len(params) > 0 {
		body["params"] = params
	}
	if timeout > 0 {
		body["timeoutMs"] = timeout.Milliseconds()
	}

	var res CallResult
	if err := c.do(ctx, http.MethodPost, "/devtools/call", body, &res); err != nil {
		var se *StatusError
		// Bridge-side failures still carry the {success:false,error} shape.
		if errors.As(err, &se) && res.Error != "" {
			return &res, fmt.Errorf("%s: %w", res.Error, err)
		}
		return nil, err
	}
	return &res, nil
}

// StartRun starts an agent run for task.
func (c *Client) StartRun(ctx context.Context, task string, extra map[string]interface{}) (*RunStarted, error) {
	body := map[string]interface{}{}
	for k, v := range extra {
		body[k] = v
	}
	body["task"] = task

	var res RunStarted
	if err := c.do(ctx, http.MethodPost, "/agent/run", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunStatus returns the raw run snapshot so callers can print it as-is.
func (c *Client) RunStatus(ctx context.Context, runID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/agent/status?runId="+url.QueryEscape(runID), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// CancelRun cancels a running agent run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/agent/cancel", map[string]string{"runId": runID}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	return nil
}
