package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pixora/api/internal/client"
	"github.com/pixora/api/internal/model"
)

type fakeSessions struct {
	mu    sync.Mutex
	batch []model.GenerationSession

	completed []string
	failed    map[string]string

	// terminal marks sessions a concurrent actor already settled.
	terminal map[string]bool
}

func newFakeSessions(batch ...model.GenerationSession) *fakeSessions {
	return &fakeSessions{
		batch:    batch,
		failed:   make(map[string]string),
		terminal: make(map[string]bool),
	}
}

func (s *fakeSessions) ClaimStale(_ context.Context, _ model.ResourceKind, _ time.Time, _ time.Duration, _ int) ([]model.GenerationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.batch
	s.batch = nil
	return out, nil
}

func (s *fakeSessions) MarkCompleted(_ context.Context, id string, _ []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal[id] {
		return false, nil
	}
	s.terminal[id] = true
	s.completed = append(s.completed, id)
	return true, nil
}

func (s *fakeSessions) MarkFailed(_ context.Context, id, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal[id] {
		return false, nil
	}
	s.terminal[id] = true
	s.failed[id] = errMsg
	return true, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	captured []string
	released []string
}

func (l *fakeLedger) Capture(_ context.Context, reservationID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.captured = append(l.captured, reservationID)
	return nil
}

func (l *fakeLedger) Release(_ context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, reservationID)
	return nil
}

type fakeProvider struct {
	result *client.TaskResult
	err    error
}

func (p *fakeProvider) IsConfigured() bool { return true }

func (p *fakeProvider) Submit(_ context.Context, _ *client.GenerateRequest) (*client.SubmitResponse, error) {
	return nil, nil
}

func (p *fakeProvider) GetStatus(_ context.Context, _ string) (*client.TaskResult, error) {
	return p.result, p.err
}

func (p *fakeProvider) PollStatus(ctx context.Context, taskID string, _, _ time.Duration) (*client.TaskResult, error) {
	return p.GetStatus(ctx, taskID)
}

type nullBus struct{}

func (nullBus) Publish(_ context.Context, _ string, _ *model.SessionEvent) error { return nil }

func (nullBus) Subscribe(_ context.Context, _ string) (<-chan *model.SessionEvent, func(), error) {
	ch := make(chan *model.SessionEvent)
	close(ch)
	return ch, func() {}, nil
}

func strPtr(s string) *string { return &s }

func staleSession(id string, age time.Duration, taskID, reservationID string) model.GenerationSession {
	sess := model.GenerationSession{
		ID:        id,
		UserID:    "u1",
		Kind:      model.ResourceKindImage,
		Status:    model.SessionStatusProcessing,
		CreatedAt: time.Now().Add(-age),
	}
	if taskID != "" {
		sess.ProviderTaskID = strPtr(taskID)
	}
	if reservationID != "" {
		sess.ReservationID = strPtr(reservationID)
	}
	return sess
}

func testConfig() Config {
	return Config{
		Kind:      model.ResourceKindImage,
		NoTaskTTL: 10 * time.Minute,
		MaxAge:    time.Hour,
	}
}

func TestSweeperAbandonsSessionWithoutProviderTask(t *testing.T) {
	sessions := newFakeSessions(staleSession("s1", 15*time.Minute, "", "res-1"))
	led := &fakeLedger{}
	s := New(sessions, led, nil, nullBus{}, nil, testConfig())

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("settled = %d, want 1", n)
	}
	if _, ok := sessions.failed["s1"]; !ok {
		t.Error("session without a provider task must be failed")
	}
	if len(led.released) != 1 || led.released[0] != "res-1" {
		t.Errorf("released = %v, want [res-1]", led.released)
	}
}

func TestSweeperSkipsYoungSessionWithoutProviderTask(t *testing.T) {
	// Old enough to be claimed via the shorter threshold comparison but
	// younger than the no-task TTL.
	sessions := newFakeSessions(staleSession("s1", 5*time.Minute, "", "res-1"))
	led := &fakeLedger{}
	s := New(sessions, led, nil, nullBus{}, nil, testConfig())

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 0 {
		t.Errorf("settled = %d, want 0", n)
	}
	if len(sessions.failed) != 0 {
		t.Error("young session must not be failed")
	}
}

func TestSweeperAbandonsAgedSessionWhenProviderStillRunning(t *testing.T) {
	sessions := newFakeSessions(staleSession("s1", 2*time.Hour, "task-1", "res-1"))
	led := &fakeLedger{}
	provider := &fakeProvider{result: &client.TaskResult{TaskID: "task-1", Status: "processing"}}
	s := New(sessions, led, provider, nullBus{}, nil, testConfig())

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("settled = %d, want 1", n)
	}
	if _, ok := sessions.failed["s1"]; !ok {
		t.Error("aged session must be failed")
	}
	if len(led.released) != 1 {
		t.Errorf("released = %v, want one release", led.released)
	}
}

func TestSweeperCompletesLateFinishedSession(t *testing.T) {
	sessions := newFakeSessions(staleSession("s1", 2*time.Hour, "task-1", "res-1"))
	led := &fakeLedger{}
	provider := &fakeProvider{result: &client.TaskResult{
		TaskID: "task-1",
		Status: "completed",
		Outputs: []client.TaskOutput{
			{URL: "https://provider.test/out.png", Format: "png"},
		},
	}}
	s := New(sessions, led, provider, nullBus{}, nil, testConfig())

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("settled = %d, want 1", n)
	}
	if len(sessions.completed) != 1 || sessions.completed[0] != "s1" {
		t.Errorf("completed = %v, want [s1]", sessions.completed)
	}
	if len(led.captured) != 1 || led.captured[0] != "res-1" {
		t.Errorf("captured = %v, want [res-1]", led.captured)
	}
	if len(led.released) != 0 {
		t.Error("late-completed session must not be released")
	}
}

func TestSweeperLosingTransitionRaceReleasesNothing(t *testing.T) {
	sessions := newFakeSessions(staleSession("s1", 15*time.Minute, "", "res-1"))
	sessions.terminal["s1"] = true // a worker settled it first
	led := &fakeLedger{}
	s := New(sessions, led, nil, nullBus{}, nil, testConfig())

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 0 {
		t.Errorf("settled = %d, want 0", n)
	}
	if len(led.released) != 0 {
		t.Error("loser of the terminal transition must not touch the ledger")
	}
}

func TestSweeperSettlesConcurrentPassesExactlyOnce(t *testing.T) {
	// Two passes race over the same claimed row; only one may settle it.
	sess := staleSession("s1", 15*time.Minute, "", "res-1")
	sessions := newFakeSessions(sess)
	sessions.batch = append(sessions.batch, sess) // both passes claim it
	led := &fakeLedger{}
	s := New(sessions, led, nil, nullBus{}, nil, testConfig())

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 1 {
		t.Errorf("settled = %d, want exactly 1", n)
	}
	if len(led.released) != 1 {
		t.Errorf("released %d times, want exactly 1", len(led.released))
	}
}

var _ Ledger = (*fakeLedger)(nil)
var _ SessionStore = (*fakeSessions)(nil)
var _ client.TaskProvider = (*fakeProvider)(nil)
