// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apiclient is a thin HTTP client for the Control API, used by
// rundispatchctl.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client calls the Control API over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	bearer     string
}

// New constructs a Client.
func New(baseURL, bearer string) *Client {
	return &Client{httpClient: &http.Client{}, baseURL: baseURL, bearer: bearer}
}

// Error is a non-2xx Control API response.
type Error struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error (status=%d code=%s): %s", e.Status, e.Code, e.Msg)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CreateRun calls POST /v1/runs.
func (c *Client) CreateRun(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodPost, "/v1/runs", req, &out)
}

// ListRuns calls GET /v1/runs.
func (c *Client) ListRuns(ctx context.Context, query string) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodGet, "/v1/runs"+query, nil, &out)
}

// GetRun calls GET /v1/runs/{id}.
func (c *Client) GetRun(ctx context.Context, runID string) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodGet, "/v1/runs/"+runID, nil, &out)
}

// CancelRun calls POST /v1/runs/{id}/cancel.
func (c *Client) CancelRun(ctx context.Context, runID string, req map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodPost, "/v1/runs/"+runID+"/cancel", req, &out)
}

// PauseRun calls POST /v1/runs/{id}/pause.
func (c *Client) PauseRun(ctx context.Context, runID string) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodPost, "/v1/runs/"+runID+"/pause", nil, &out)
}

// ResumeRun calls POST /v1/runs/{id}/resume.
func (c *Client) ResumeRun(ctx context.Context, runID string) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodPost, "/v1/runs/"+runID+"/resume", nil, &out)
}

// RetryRun calls POST /v1/runs/{id}/retry.
func (c *Client) RetryRun(ctx context.Context, runID string, req map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodPost, "/v1/runs/"+runID+"/retry", req, &out)
}

// GetEvents calls GET /v1/runs/{id}/events.
func (c *Client) GetEvents(ctx context.Context, runID string) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodGet, "/v1/runs/"+runID+"/events", nil, &out)
}

// GetLogs calls GET /v1/runs/{id}/logs.
func (c *Client) GetLogs(ctx context.Context, runID string) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodGet, "/v1/runs/"+runID+"/logs", nil, &out)
}

// ListHitlRequests calls GET /v1/hitl-requests.
func (c *Client) ListHitlRequests(ctx context.Context, query string) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodGet, "/v1/hitl-requests"+query, nil, &out)
}

// ProcessHitlAction calls POST /v1/hitl-requests/{id}/action.
func (c *Client) ProcessHitlAction(ctx context.Context, requestID string, req map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodPost, "/v1/hitl-requests/"+requestID+"/action", req, &out)
}
