package client

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// MockProvider fakes a generation provider for local development and for
// deployments where no real provider key is configured. Tasks complete on
// the first status poll with placeholder artifacts.
type MockProvider struct {
	name    string
	outputs []TaskOutput
}

func NewMockImageProvider() *MockProvider {
	return &MockProvider{
		name: "MockImage",
		outputs: []TaskOutput{
			{URL: "https://placehold.co/1024x1024.png", Format: "png", Width: 1024, Height: 1024},
		},
	}
}

func NewMockVideoProvider() *MockProvider {
	return &MockProvider{
		name: "MockVideo",
		outputs: []TaskOutput{
			{URL: "https://samplelib.com/lib/preview/mp4/sample-5s.mp4", Format: "mp4", Width: 1280, Height: 720},
		},
	}
}

func (m *MockProvider) IsConfigured() bool { return true }

func (m *MockProvider) Submit(_ context.Context, req *GenerateRequest) (*SubmitResponse, error) {
	taskID := "mock-" + uuid.New().String()
	log.Printf("[%s] Mock submit accepted (prompt=%q) task=%s", m.name, truncate(req.Prompt, 48), taskID)
	return &SubmitResponse{TaskID: taskID, Status: "pending"}, nil
}

func (m *MockProvider) GetStatus(_ context.Context, taskID string) (*TaskResult, error) {
	return &TaskResult{TaskID: taskID, Status: "completed", Outputs: m.outputs}, nil
}

func (m *MockProvider) PollStatus(ctx context.Context, taskID string, interval, _ time.Duration) (*TaskResult, error) {
	// Simulate a short generation delay so status transitions are visible.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(interval):
	}
	return m.GetStatus(ctx, taskID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
