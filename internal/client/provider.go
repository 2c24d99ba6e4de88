package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/pixora/api/internal/jobs"
	"github.com/pixora/api/internal/model"
)

// ErrPollTimeout is returned when a provider task does not reach a
// terminal status within the allowed wall-clock budget.
var ErrPollTimeout = errors.New("provider task timed out")

// TaskProvider is the interface both generation providers implement.
type TaskProvider interface {
	Submit(ctx context.Context, req *GenerateRequest) (*SubmitResponse, error)
	GetStatus(ctx context.Context, taskID string) (*TaskResult, error)
	PollStatus(ctx context.Context, taskID string, interval, maxWait time.Duration) (*TaskResult, error)
	IsConfigured() bool
}

// GenerateRequest is the provider-facing generation request.
type GenerateRequest struct {
	Prompt          string `json:"prompt"`
	Style           string `json:"style,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	Quantity        int    `json:"n,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// SubmitResponse acknowledges an accepted provider task.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskOutput is one artifact reported by the provider.
type TaskOutput struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// TaskResult is the state of a provider task.
type TaskResult struct {
	TaskID  string       `json:"task_id"`
	Status  string       `json:"status"`
	Outputs []TaskOutput `json:"outputs,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Done reports whether the task finished successfully.
func (r *TaskResult) Done() bool {
	return r.Status == "completed" || r.Status == "success"
}

// Failed reports whether the provider gave up on the task.
func (r *TaskResult) Failed() bool {
	return r.Status == "failed" || r.Status == "error"
}

// providerClient carries the HTTP plumbing shared by the image and video
// clients.
type providerClient struct {
	httpClient *http.Client
	name       string
	baseURL    string
	apiKey     string
}

func newProviderClient(name, baseURL, apiKey string) providerClient {
	return providerClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// IsConfigured returns true if the client has valid configuration.
func (c *providerClient) IsConfigured() bool {
	return c.apiKey != ""
}

// post sends a POST request with JSON body
func (c *providerClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *providerClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response. A 4xx other
// than 408/429 means the request itself was invalid (safety rejection,
// bad parameters) and can never succeed on retry, so it is surfaced as a
// permanent error.
func (c *providerClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[%s] %s %s failed: %v", c.name, req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return jobs.PermanentWrap(model.FailureCodeProviderRejected,
			fmt.Errorf("%s rejected request (status %d): %s", c.name, resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s API error (status %d): %s", c.name, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// pollStatus polls a task until it is terminal or maxWait elapses.
func (c *providerClient) pollStatus(ctx context.Context, getStatus func(context.Context, string) (*TaskResult, error), taskID string, interval, maxWait time.Duration) (*TaskResult, error) {
	deadline := time.Now().Add(maxWait)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		result, err := getStatus(ctx, taskID)
		if err != nil {
			log.Printf("[%s] Poll #%d (task=%s) error: %v", c.name, attempt, taskID, err)
			return nil, err
		}

		log.Printf("[%s] Poll #%d (task=%s) status: %s", c.name, attempt, taskID, result.Status)

		if result.Done() {
			return result, nil
		}
		if result.Failed() {
			return nil, jobs.PermanentWrap(model.FailureCodeProviderFailed,
				fmt.Errorf("%s task %s failed: %s", c.name, taskID, result.Error))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	return nil, fmt.Errorf("%w after %v", ErrPollTimeout, maxWait)
}
