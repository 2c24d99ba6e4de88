package model

import (
	"encoding/json"
	"time"
)

// GenerationParams describes what the user asked the provider to produce.
type GenerationParams struct {
	Prompt          string `json:"prompt" validate:"required,min=1,max=4000"`
	Style           string `json:"style,omitempty" validate:"max=200"`
	AspectRatio     string `json:"aspectRatio,omitempty" validate:"omitempty,oneof=1:1 16:9 9:16 4:3"`
	Quantity        int    `json:"quantity,omitempty" validate:"omitempty,min=1,max=4"`
	DurationSeconds int    `json:"durationSeconds,omitempty" validate:"omitempty,min=1,max=60"`
}

// GenerationStartRequest is the body of POST /api/generations.
type GenerationStartRequest struct {
	Kind           ResourceKind     `json:"kind" validate:"required,oneof=image video"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty" validate:"max=128"`
	Mock           bool             `json:"mock,omitempty"`
	Params         GenerationParams `json:"params" validate:"required"`
}

// GenerationStartResponse acknowledges an accepted generation job.
type GenerationStartResponse struct {
	SessionID     string        `json:"sessionId"`
	Status        SessionStatus `json:"status"`
	ReservationID string        `json:"reservationId,omitempty"`
	AmountHeld    int64         `json:"amountHeld"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// GenerationStatusResponse reports the current state of a session.
type GenerationStatusResponse struct {
	SessionID   string          `json:"sessionId"`
	Kind        ResourceKind    `json:"kind"`
	Status      SessionStatus   `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// BalanceResponse reports a user's available credit balance.
type BalanceResponse struct {
	UserID    string `json:"userId"`
	Available int64  `json:"available"`
}
