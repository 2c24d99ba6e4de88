package client

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ImageClient talks to the external image generation provider.
type ImageClient struct {
	providerClient
}

func NewImageClient(baseURL, apiKey string) *ImageClient {
	return &ImageClient{providerClient: newProviderClient("ImageProvider", baseURL, apiKey)}
}

// Submit starts an image generation task.
func (c *ImageClient) Submit(ctx context.Context, req *GenerateRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.post(ctx, "/v1/images/generations", req, &resp); err != nil {
		return nil, err
	}
	if resp.TaskID == "" {
		return nil, fmt.Errorf("provider accepted request but returned no task id")
	}
	log.Printf("[ImageProvider] Submitted task %s (status=%s)", resp.TaskID, resp.Status)
	return &resp, nil
}

// GetStatus fetches the current state of a task.
func (c *ImageClient) GetStatus(ctx context.Context, taskID string) (*TaskResult, error) {
	var result TaskResult
	if err := c.get(ctx, "/v1/tasks/"+taskID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PollStatus polls the task until it completes, fails, or maxWait elapses.
func (c *ImageClient) PollStatus(ctx context.Context, taskID string, interval, maxWait time.Duration) (*TaskResult, error) {
	return c.pollStatus(ctx, c.GetStatus, taskID, interval, maxWait)
}
