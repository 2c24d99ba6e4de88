package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixora/api/internal/model"
)

// DeadLetterStore persists permanently failed jobs. Records are
// write-once; nothing in the system reprocesses them automatically.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Insert writes a dead-letter record. The id is the queue message id, so
// a redelivered message that dead-letters again lands on the existing row
// instead of duplicating it.
func (s *DeadLetterStore) Insert(ctx context.Context, rec *model.DeadLetterRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(id, source_queue, job_type, payload, failure_code, failure_message, attempts, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SourceQueue, rec.JobType, rec.Payload,
		rec.FailureCode, rec.FailureMessage, rec.Attempts, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("dead letter insert failed: %w", err)
	}
	return nil
}

// List returns the most recent dead letters.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]model.DeadLetterRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_queue, job_type, payload, failure_code, failure_message, attempts, received_at
		FROM dead_letters
		ORDER BY received_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letter query failed: %w", err)
	}
	defer rows.Close()

	var records []model.DeadLetterRecord
	for rows.Next() {
		var rec model.DeadLetterRecord
		if err := rows.Scan(&rec.ID, &rec.SourceQueue, &rec.JobType, &rec.Payload,
			&rec.FailureCode, &rec.FailureMessage, &rec.Attempts, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("dead letter scan failed: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return records, nil
}
