package model

import (
	"encoding/json"
	"time"
)

// GenerationSession is the durable record of one generation attempt, from
// submission to terminal outcome. Sessions are never deleted; they are the
// audit trail for every credit movement.
type GenerationSession struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Kind           ResourceKind    `json:"kind"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Status         SessionStatus   `json:"status"`
	ReservationID  *string         `json:"reservationId,omitempty"`
	ProviderTaskID *string         `json:"providerTaskId,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// GenerationOutput is one artifact produced by a completed session.
type GenerationOutput struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Bytes  int64  `json:"bytes,omitempty"`
}

// GenerationResult is the result payload stored on a completed session.
type GenerationResult struct {
	Outputs []GenerationOutput `json:"outputs"`
}
