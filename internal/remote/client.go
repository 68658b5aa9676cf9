// Package remote drives page generation from outside the API process,
// claiming and completing pages over the worker HTTP endpoints.
package remote

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

	"github.com/Harvey-AU/seo-pagegen/internal/api"
	"github.com/Harvey-AU/seo-pagegen/internal/auth"
)

// ErrNoPages is returned by Claim when nothing is queued
var ErrNoPages = errors.New("no pages available")

// APIError is a non-success response from the API
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client calls the worker endpoints with the shared worker token
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Claim takes the next queued page of jobID, or of any job when jobID is
// empty. It returns ErrNoPages when there is nothing to do.
func (c *Client) Claim(ctx context.Context, jobID, workerID string) (*api.ClaimResponse, error) {
	path := "/v1/pages/claim"
	if jobID != "" {
		path = "/v1/jobs/" + url.PathEscape(jobID) + "/claim"
	}

	var claimed api.ClaimResponse
	err := c.do(ctx, http.MethodPost, path, api.ClaimRequest{WorkerID: workerID}, &claimed)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == string(api.ErrCodeNoPagesAvailable) {
		return nil, ErrNoPages
	}
	if err != nil {
		return nil, err
	}
	if claimed.JobPage == nil {
		return nil, fmt.Errorf("claim response has no page")
	}
	return &claimed, nil
}

// Complete reports the outcome of a claimed page
func (c *Client) Complete(ctx context.Context, jobID, pageID string, req api.CompleteRequest) (*api.CompleteResponse, error) {
	path := "/v1/jobs/" + url.PathEscape(jobID) + "/pages/" + url.PathEscape(pageID) + "/complete"
	var resp api.CompleteResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.WorkerTokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var errBody api.ErrorResponse
		if json.Unmarshal(payload, &errBody) == nil {
			apiErr.Code = errBody.Code
			apiErr.Message = errBody.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if dest == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
