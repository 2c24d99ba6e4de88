package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixora/api/internal/model"
)

var (
	ErrUnknownUser         = errors.New("user has no credit account")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrAlreadyReleased is returned by Capture when the reservation was
	// already released. That ordering indicates a logic bug upstream, so it
	// is surfaced loudly instead of being swallowed.
	ErrAlreadyReleased = errors.New("reservation already released")
)

const defaultReservationTTL = 30 * time.Minute

// ReserveOptions tune a single reservation.
type ReserveOptions struct {
	Description string
	TTL         time.Duration
}

// Ledger holds, captures and releases credit against user balances. Every
// operation is safe to call more than once with the same arguments:
// crash-recovery paths invoke capture and release speculatively, and both
// are conditional on the reservation's current state.
type Ledger struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Reserve holds amount credits for a user. The available balance drops
// immediately; captured spend is only recorded when the reservation is
// captured. Reservations carry an absolute expiry after which an
// un-captured hold is considered abandoned.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64, opts ReserveOptions) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("reservation amount must be positive, got %d", amount)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var available int64
	err = tx.QueryRow(ctx,
		`SELECT available FROM credit_balances WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownUser
		}
		return "", fmt.Errorf("balance lock failed: %w", err)
	}

	if available < amount {
		return "", ErrInsufficientCredits
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credit_balances SET available = available - $1, updated_at = NOW() WHERE user_id = $2`,
		amount, userID); err != nil {
		return "", fmt.Errorf("balance update failed: %w", err)
	}

	reservationID := uuid.New().String()
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, user_id, amount, status, description, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		reservationID, userID, amount, model.ReservationStatusReserved,
		opts.Description, time.Now().Add(ttl)); err != nil {
		return "", fmt.Errorf("reservation insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("tx commit failed: %w", err)
	}
	return reservationID, nil
}

// Capture finalizes a reservation as spent. Calling it again on a captured
// reservation is a no-op; calling it on a released one is an error.
func (l *Ledger) Capture(ctx context.Context, reservationID, description string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	switch res.Status {
	case model.ReservationStatusCaptured:
		return nil
	case model.ReservationStatusReleased:
		return fmt.Errorf("capture of reservation %s: %w", reservationID, ErrAlreadyReleased)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2, description = $3, closed_at = NOW() WHERE id = $1`,
		reservationID, model.ReservationStatusCaptured, description); err != nil {
		return fmt.Errorf("reservation capture failed: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE credit_balances SET captured = captured + $1, updated_at = NOW() WHERE user_id = $2`,
		res.Amount, res.UserID); err != nil {
		return fmt.Errorf("captured spend update failed: %w", err)
	}

	return tx.Commit(ctx)
}

// Release returns a reservation's held amount to the user's available
// balance. Releasing an already-released reservation is a no-op. Releasing
// a captured one is also a no-op (a safety valve for the sweeper racing a
// late success) but is logged as a warning.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	switch res.Status {
	case model.ReservationStatusReleased:
		return nil
	case model.ReservationStatusCaptured:
		log.Printf("[Ledger] Warning: release called on captured reservation %s, ignoring", reservationID)
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2, closed_at = NOW() WHERE id = $1`,
		reservationID, model.ReservationStatusReleased); err != nil {
		return fmt.Errorf("reservation release failed: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE credit_balances SET available = available + $1, updated_at = NOW() WHERE user_id = $2`,
		res.Amount, res.UserID); err != nil {
		return fmt.Errorf("balance restore failed: %w", err)
	}

	return tx.Commit(ctx)
}

// Balance returns a user's available credit balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var available int64
	err := l.pool.QueryRow(ctx,
		`SELECT available FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUnknownUser
		}
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return available, nil
}

// EnsureAccount creates a credit account with a starting grant if the user
// does not have one yet.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string, grant int64) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO credit_balances (user_id, available) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, grant)
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func lockReservation(ctx context.Context, tx pgx.Tx, reservationID string) (*model.Reservation, error) {
	var res model.Reservation
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, amount, status FROM reservations WHERE id = $1 FOR UPDATE`,
		reservationID,
	).Scan(&res.ID, &res.UserID, &res.Amount, &res.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("reservation lock failed: %w", err)
	}
	return &res, nil
}
