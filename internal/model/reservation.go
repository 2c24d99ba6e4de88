package model

import "time"

// Reservation is a hold against a user's credit balance pending the outcome
// of a generation job. It is closed by exactly one of capture or release:
// the net ledger effect over its lifetime is -amount (captured) or zero
// (released), never both, never partial.
type Reservation struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Amount      int64             `json:"amount"`
	Status      ReservationStatus `json:"status"`
	Description string            `json:"description,omitempty"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	CreatedAt   time.Time         `json:"createdAt"`
	ClosedAt    *time.Time        `json:"closedAt,omitempty"`
}
