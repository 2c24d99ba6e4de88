package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pixora/api/internal/ledger"
	"github.com/pixora/api/internal/model"
	"github.com/pixora/api/internal/queue"
	"github.com/pixora/api/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrForbidden       = errors.New("session belongs to another user")
)

// SessionStore is the slice of the session store the service needs.
type SessionStore interface {
	Create(ctx context.Context, sess *model.GenerationSession) error
	Get(ctx context.Context, id string) (*model.GenerationSession, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*model.GenerationSession, error)
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)
}

// Ledger is the slice of the credit ledger the service needs.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int64, opts ledger.ReserveOptions) (string, error)
	Release(ctx context.Context, reservationID string) error
	Balance(ctx context.Context, userID string) (int64, error)
	EnsureAccount(ctx context.Context, userID string, grant int64) error
}

// Costs maps resource kinds to credit prices.
type Costs struct {
	Image       int64
	Video       int64
	SignupGrant int64
}

func (c Costs) For(kind model.ResourceKind) int64 {
	if kind == model.ResourceKindVideo {
		return c.Video
	}
	return c.Image
}

// GenerationService owns the producer side of the generation pipeline:
// hold credits, persist the session, enqueue the job. The session id
// doubles as the queue deduplication key, so retried submissions cannot
// fan out into duplicate jobs.
type GenerationService struct {
	sessions SessionStore
	ledger   Ledger
	queue    queue.Queue
	costs    Costs
}

func NewGenerationService(sessions SessionStore, led Ledger, q queue.Queue, costs Costs) *GenerationService {
	return &GenerationService{
		sessions: sessions,
		ledger:   led,
		queue:    q,
		costs:    costs,
	}
}

// Start accepts a generation request. Resubmitting the same idempotency
// key while the original session is still live returns that session
// instead of charging again.
func (s *GenerationService) Start(ctx context.Context, userID string, req *model.GenerationStartRequest) (*model.GenerationStartResponse, error) {
	if req.IdempotencyKey != "" {
		existing, err := s.sessions.GetByIdempotencyKey(ctx, userID, req.IdempotencyKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if existing != nil && !existing.Status.IsTerminal() {
			log.Printf("[Generation] Reusing session %s for idempotency key %q", existing.ID, req.IdempotencyKey)
			return startResponse(existing, 0), nil
		}
	}

	if s.costs.SignupGrant > 0 {
		if err := s.ledger.EnsureAccount(ctx, userID, s.costs.SignupGrant); err != nil {
			return nil, err
		}
	}

	cost := s.costs.For(req.Kind)
	reservationID, err := s.ledger.Reserve(ctx, userID, cost, ledger.ReserveOptions{
		Description: fmt.Sprintf("%s generation", req.Kind),
	})
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(req.Params)
	if err != nil {
		s.releaseQuiet(ctx, reservationID)
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	sess := &model.GenerationSession{
		ID:             uuid.New().String(),
		UserID:         userID,
		Kind:           req.Kind,
		IdempotencyKey: req.IdempotencyKey,
		Status:         model.SessionStatusProcessing,
		ReservationID:  &reservationID,
		Params:         params,
		CreatedAt:      time.Now(),
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// A concurrent submission with the same key won the insert.
			// Our hold is redundant; give it back and return the winner.
			s.releaseQuiet(ctx, reservationID)
			existing, getErr := s.sessions.GetByIdempotencyKey(ctx, userID, req.IdempotencyKey)
			if getErr != nil {
				return nil, getErr
			}
			return startResponse(existing, 0), nil
		}
		s.releaseQuiet(ctx, reservationID)
		return nil, err
	}

	msg := &model.JobMessage{
		JobType:        model.JobTypeForKind(req.Kind),
		UserID:         userID,
		IdempotencyKey: req.IdempotencyKey,
		SessionID:      sess.ID,
		ReservationID:  reservationID,
		Params:         params,
		Mock:           req.Mock,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		s.failStillborn(ctx, sess, reservationID, "failed to encode job message")
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}

	if _, err := s.queue.Send(ctx, body, queue.Attributes{
		JobType: msg.JobType,
		JobID:   sess.ID,
	}); err != nil {
		// No worker will ever see this session; settle it here rather than
		// waiting for the sweeper.
		s.failStillborn(ctx, sess, reservationID, "enqueue failed")
		return nil, fmt.Errorf("failed to enqueue generation job: %w", err)
	}

	log.Printf("[Generation] Session %s enqueued (kind=%s user=%s hold=%d)", sess.ID, req.Kind, userID, cost)
	return startResponse(sess, cost), nil
}

// GetStatus returns the state of one session, scoped to its owner.
func (s *GenerationService) GetStatus(ctx context.Context, userID, sessionID string) (*model.GenerationStatusResponse, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}

	return &model.GenerationStatusResponse{
		SessionID:   sess.ID,
		Kind:        sess.Kind,
		Status:      sess.Status,
		Result:      sess.Result,
		Error:       sess.Error,
		CreatedAt:   sess.CreatedAt,
		CompletedAt: sess.CompletedAt,
	}, nil
}

// Balance returns the user's available credits.
func (s *GenerationService) Balance(ctx context.Context, userID string) (*model.BalanceResponse, error) {
	if s.costs.SignupGrant > 0 {
		if err := s.ledger.EnsureAccount(ctx, userID, s.costs.SignupGrant); err != nil {
			return nil, err
		}
	}
	available, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.BalanceResponse{UserID: userID, Available: available}, nil
}

func (s *GenerationService) releaseQuiet(ctx context.Context, reservationID string) {
	if err := s.ledger.Release(ctx, reservationID); err != nil {
		log.Printf("[Generation] Failed to release reservation %s: %v", reservationID, err)
	}
}

func (s *GenerationService) failStillborn(ctx context.Context, sess *model.GenerationSession, reservationID, reason string) {
	if _, err := s.sessions.MarkFailed(ctx, sess.ID, reason); err != nil {
		log.Printf("[Generation] Failed to mark session %s failed: %v", sess.ID, err)
	}
	s.releaseQuiet(ctx, reservationID)
}

func startResponse(sess *model.GenerationSession, held int64) *model.GenerationStartResponse {
	resp := &model.GenerationStartResponse{
		SessionID:  sess.ID,
		Status:     sess.Status,
		AmountHeld: held,
		CreatedAt:  sess.CreatedAt,
	}
	if sess.ReservationID != nil {
		resp.ReservationID = *sess.ReservationID
	}
	return resp
}
