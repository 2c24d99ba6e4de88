package client

import (
	"context"
	"fmt"
	"log"
	"time"
)

// VideoClient talks to the external video generation provider. Video tasks
// run for minutes rather than seconds, so callers poll with a longer
// interval and budget than they use for images.
type VideoClient struct {
	providerClient
}

func NewVideoClient(baseURL, apiKey string) *VideoClient {
	return &VideoClient{providerClient: newProviderClient("VideoProvider", baseURL, apiKey)}
}

// Submit starts a video generation task.
func (c *VideoClient) Submit(ctx context.Context, req *GenerateRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.post(ctx, "/v1/videos/generations", req, &resp); err != nil {
		return nil, err
	}
	if resp.TaskID == "" {
		return nil, fmt.Errorf("provider accepted request but returned no task id")
	}
	log.Printf("[VideoProvider] Submitted task %s (status=%s)", resp.TaskID, resp.Status)
	return &resp, nil
}

// GetStatus fetches the current state of a task.
func (c *VideoClient) GetStatus(ctx context.Context, taskID string) (*TaskResult, error) {
	var result TaskResult
	if err := c.get(ctx, "/v1/tasks/"+taskID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PollStatus polls the task until it completes, fails, or maxWait elapses.
func (c *VideoClient) PollStatus(ctx context.Context, taskID string, interval, maxWait time.Duration) (*TaskResult, error) {
	return c.pollStatus(ctx, c.GetStatus, taskID, interval, maxWait)
}
