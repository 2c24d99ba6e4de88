package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixora/api/internal/client"
	"github.com/pixora/api/internal/model"
	"github.com/pixora/api/internal/notify"
	"github.com/pixora/api/internal/settings"
)

// SessionStore is the slice of the session store the sweeper needs.
type SessionStore interface {
	ClaimStale(ctx context.Context, kind model.ResourceKind, olderThan time.Time, lockFor time.Duration, limit int) ([]model.GenerationSession, error)
	MarkCompleted(ctx context.Context, id string, result []byte) (bool, error)
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)
}

// Ledger is the slice of the credit ledger the sweeper needs.
type Ledger interface {
	Capture(ctx context.Context, reservationID, description string) error
	Release(ctx context.Context, reservationID string) error
}

// Config tunes one sweeper instance. NoTaskTTL and MaxAge are defaults;
// the live values are re-read from the settings source every pass so
// operators can tighten them without a redeploy.
type Config struct {
	Kind             model.ResourceKind
	Interval         time.Duration
	BatchSize        int
	LockFor          time.Duration
	NoTaskTTL        time.Duration
	MaxAge           time.Duration
	ProbeConcurrency int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LockFor <= 0 {
		c.LockFor = 2 * time.Minute
	}
	if c.NoTaskTTL <= 0 {
		c.NoTaskTTL = 10 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 4
	}
}

// Sweeper settles generation sessions that no worker will ever finish:
// sessions whose provider submission never happened within the no-task
// TTL, and sessions past the absolute max age. Before abandoning an aged
// session it probes the provider once, because a generation that finished
// after the worker gave up should complete, not fail.
type Sweeper struct {
	sessions SessionStore
	ledger   Ledger
	provider client.TaskProvider
	bus      notify.Bus
	settings *settings.Source
	cfg      Config
}

func New(sessions SessionStore, led Ledger, provider client.TaskProvider, bus notify.Bus, src *settings.Source, cfg Config) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		sessions: sessions,
		ledger:   led,
		provider: provider,
		bus:      bus,
		settings: src,
		cfg:      cfg,
	}
}

// Start runs the sweep loop until the returned stop function is called or
// the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		log.Printf("[Sweeper] %s sweeper started (interval=%v)", s.cfg.Kind, s.cfg.Interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.RunOnce(ctx); err != nil {
					log.Printf("[Sweeper] %s pass failed: %v", s.cfg.Kind, err)
				} else if n > 0 {
					log.Printf("[Sweeper] %s pass settled %d session(s)", s.cfg.Kind, n)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce executes one sweep pass and returns how many sessions it
// settled.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	noTaskTTL, maxAge := s.thresholds(ctx)

	// Claim everything past the earlier of the two thresholds; per-row
	// policy decides what actually applies.
	cutoff := noTaskTTL
	if maxAge < cutoff {
		cutoff = maxAge
	}

	batch, err := s.sessions.ClaimStale(ctx, s.cfg.Kind, time.Now().Add(-cutoff), s.cfg.LockFor, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var settled atomic.Int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.ProbeConcurrency)

	for i := range batch {
		sess := batch[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ok, err := s.sweepSession(ctx, &sess, noTaskTTL, maxAge)
			if err != nil {
				log.Printf("[Sweeper] Skipping session %s: %v", sess.ID, err)
				return
			}
			if ok {
				settled.Add(1)
			}
		}()
	}
	wg.Wait()

	return int(settled.Load()), nil
}

func (s *Sweeper) thresholds(ctx context.Context) (noTaskTTL, maxAge time.Duration) {
	noTaskTTL = s.cfg.NoTaskTTL
	maxAge = s.cfg.MaxAge
	if s.settings == nil {
		return
	}
	const cacheTTL = 30 * time.Second
	if v := s.settings.GetInt(ctx, fmt.Sprintf("sweeper:%s:no_task_ttl_seconds", s.cfg.Kind), cacheTTL, 0); v > 0 {
		noTaskTTL = time.Duration(v) * time.Second
	}
	if v := s.settings.GetInt(ctx, fmt.Sprintf("sweeper:%s:max_age_seconds", s.cfg.Kind), cacheTTL, 0); v > 0 {
		maxAge = time.Duration(v) * time.Second
	}
	return
}

func (s *Sweeper) sweepSession(ctx context.Context, sess *model.GenerationSession, noTaskTTL, maxAge time.Duration) (bool, error) {
	age := time.Since(sess.CreatedAt)

	if sess.ProviderTaskID == nil || *sess.ProviderTaskID == "" {
		if age < noTaskTTL {
			// Claimed because it crossed the shorter threshold, but this
			// policy has not triggered yet; the claim lock just expires.
			return false, nil
		}
		return s.abandon(ctx, sess, "no provider task after "+age.Truncate(time.Second).String())
	}

	if age < maxAge {
		return false, nil
	}

	// Last chance: the provider may have finished after the worker stopped
	// listening.
	if s.provider != nil {
		result, err := s.provider.GetStatus(ctx, *sess.ProviderTaskID)
		if err != nil {
			log.Printf("[Sweeper] Status probe for session %s failed: %v", sess.ID, err)
		} else if result.Done() {
			return s.completeLate(ctx, sess, result)
		}
	}

	return s.abandon(ctx, sess, "still processing after "+age.Truncate(time.Second).String())
}

// completeLate finishes a session whose provider task succeeded after the
// worker gave up. Artifacts stay on the provider URLs; the original
// transfer pipeline is gone by this point.
func (s *Sweeper) completeLate(ctx context.Context, sess *model.GenerationSession, result *client.TaskResult) (bool, error) {
	outputs := make([]model.GenerationOutput, 0, len(result.Outputs))
	for _, out := range result.Outputs {
		outputs = append(outputs, model.GenerationOutput{
			URL:    out.URL,
			Format: out.Format,
			Width:  out.Width,
			Height: out.Height,
		})
	}
	resultJSON, err := json.Marshal(model.GenerationResult{Outputs: outputs})
	if err != nil {
		return false, err
	}

	won, err := s.sessions.MarkCompleted(ctx, sess.ID, resultJSON)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	if sess.ReservationID != nil {
		if err := s.ledger.Capture(ctx, *sess.ReservationID, "generation "+sess.ID); err != nil {
			log.Printf("[Sweeper] Capture for late-completed session %s failed: %v", sess.ID, err)
		}
	}

	s.publish(ctx, sess, model.EventTypeCompleted, model.SessionStatusCompleted, nil)
	log.Printf("[Sweeper] Session %s completed late via provider probe", sess.ID)
	return true, nil
}

func (s *Sweeper) abandon(ctx context.Context, sess *model.GenerationSession, reason string) (bool, error) {
	won, err := s.sessions.MarkFailed(ctx, sess.ID, model.FailureCodeAbandoned+": "+reason)
	if err != nil {
		return false, err
	}
	if !won {
		// A worker completed or failed it between claim and transition.
		return false, nil
	}

	if sess.ReservationID != nil {
		if err := s.ledger.Release(ctx, *sess.ReservationID); err != nil {
			log.Printf("[Sweeper] Release for abandoned session %s failed: %v", sess.ID, err)
		}
	}

	s.publish(ctx, sess, model.EventTypeFailed, model.SessionStatusFailed, &model.EventError{
		Code:    model.FailureCodeAbandoned,
		Message: reason,
	})
	log.Printf("[Sweeper] Abandoned session %s: %s", sess.ID, reason)
	return true, nil
}

func (s *Sweeper) publish(ctx context.Context, sess *model.GenerationSession, eventType string, status model.SessionStatus, evErr *model.EventError) {
	if s.bus == nil {
		return
	}
	event := &model.SessionEvent{
		Type:      eventType,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Kind:      sess.Kind,
		Status:    status,
		Error:     evErr,
		At:        time.Now(),
	}
	if err := s.bus.Publish(ctx, sess.UserID, event); err != nil {
		log.Printf("[Sweeper] Failed to publish %s for session %s: %v", eventType, sess.ID, err)
	}
}
