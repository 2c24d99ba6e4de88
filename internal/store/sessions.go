package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixora/api/internal/model"
)

const sessionColumns = `id, user_id, kind, idempotency_key, status, reservation_id,
	provider_task_id, params, result, error_message, created_at, completed_at`

// SessionStore persists generation sessions. All state transitions are
// conditional on the current status so concurrent workers and sweepers
// cannot apply a terminal transition twice.
type SessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Create inserts a new processing session. Returns
// ErrDuplicateIdempotencyKey when a non-terminal session already exists
// for the same (user, idempotency key) pair.
func (s *SessionStore) Create(ctx context.Context, sess *model.GenerationSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generation_sessions
			(id, user_id, kind, idempotency_key, status, reservation_id, provider_task_id, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.UserID, sess.Kind, sess.IdempotencyKey, sess.Status,
		sess.ReservationID, sess.ProviderTaskID, sess.Params, sess.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("session insert failed: %w", err)
	}
	return nil
}

// Get fetches a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*model.GenerationSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM generation_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetByIdempotencyKey returns the most recent session for a (user, key)
// pair, or ErrNotFound. Producers and redelivered workers call this before
// creating anything new.
func (s *SessionStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (*model.GenerationSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM generation_sessions
		WHERE user_id = $1 AND idempotency_key = $2
		ORDER BY created_at DESC
		LIMIT 1`, userID, key)
	return scanSession(row)
}

// AttachReservation links a reservation to a session.
func (s *SessionStore) AttachReservation(ctx context.Context, id, reservationID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE generation_sessions SET reservation_id = $2 WHERE id = $1`, id, reservationID)
	if err != nil {
		return fmt.Errorf("failed to attach reservation: %w", err)
	}
	return nil
}

// AttachProviderTask records the provider's task reference once the
// provider has accepted the job.
func (s *SessionStore) AttachProviderTask(ctx context.Context, id, taskID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE generation_sessions SET provider_task_id = $2 WHERE id = $1`, id, taskID)
	if err != nil {
		return fmt.Errorf("failed to attach provider task: %w", err)
	}
	return nil
}

// MarkCompleted applies the terminal completed transition. It reports
// whether this call won the transition; false means the session was
// already terminal and the caller must not apply any ledger effect.
func (s *SessionStore) MarkCompleted(ctx context.Context, id string, result []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_sessions
		SET status = $2, result = $3, completed_at = NOW(), sweep_locked_until = NULL
		WHERE id = $1 AND status = $4`,
		id, model.SessionStatusCompleted, result, model.SessionStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to mark session completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed applies the terminal failed transition, guarded the same way
// as MarkCompleted.
func (s *SessionStore) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_sessions
		SET status = $2, error_message = $3, completed_at = NOW(), sweep_locked_until = NULL
		WHERE id = $1 AND status = $4`,
		id, model.SessionStatusFailed, errMsg, model.SessionStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to mark session failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimStale claims processing sessions of one kind older than olderThan
// for a sweeper pass. SKIP LOCKED plus the sweep_locked_until window keeps
// two concurrent sweeper instances off the same rows; the status predicate
// is re-evaluated inside the row lock so a session completed between
// selection and claim is never returned.
func (s *SessionStore) ClaimStale(ctx context.Context, kind model.ResourceKind, olderThan time.Time, lockFor time.Duration, limit int) ([]model.GenerationSession, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE generation_sessions SET sweep_locked_until = $1
		WHERE id IN (
			SELECT id FROM generation_sessions
			WHERE status = $2 AND kind = $3 AND created_at < $4
			  AND (sweep_locked_until IS NULL OR sweep_locked_until < NOW())
			ORDER BY created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+sessionColumns,
		time.Now().Add(lockFor), model.SessionStatusProcessing, kind, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.GenerationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*model.GenerationSession, error) {
	var sess model.GenerationSession
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.Kind,
		&sess.IdempotencyKey,
		&sess.Status,
		&sess.ReservationID,
		&sess.ProviderTaskID,
		&sess.Params,
		&sess.Result,
		&sess.Error,
		&sess.CreatedAt,
		&sess.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session scan failed: %w", err)
	}
	return &sess, nil
}
