package model

import (
	"encoding/json"
	"time"
)

// JobMessage is the wire schema for generation jobs. The payload is opaque
// to the queue; correlation ids let a redelivered worker find the session
// and reservation it already created.
type JobMessage struct {
	JobType        string          `json:"jobType"`
	UserID         string          `json:"userId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	ReservationID  string          `json:"reservationId,omitempty"`
	Params         json.RawMessage `json:"params"`
	Mock           bool            `json:"mock,omitempty"`
}

// DeadLetterRecord is a terminal, write-once record of a permanently failed
// job. Dead letters are never reprocessed automatically.
type DeadLetterRecord struct {
	ID             string    `json:"id"`
	SourceQueue    string    `json:"sourceQueue"`
	JobType        string    `json:"jobType"`
	Payload        []byte    `json:"payload"`
	FailureCode    string    `json:"failureCode"`
	FailureMessage string    `json:"failureMessage"`
	Attempts       int       `json:"attempts"`
	ReceivedAt     time.Time `json:"receivedAt"`
}
