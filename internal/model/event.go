package model

import "time"

// Session event types pushed to live clients.
const (
	EventTypeProcessing = "session.processing"
	EventTypeCompleted  = "session.completed"
	EventTypeFailed     = "session.failed"
)

// SessionEvent is published on the notification bus whenever a session
// changes state. Delivery is best-effort; nothing in the job lifecycle
// depends on an event arriving.
type SessionEvent struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	UserID    string        `json:"userId"`
	Kind      ResourceKind  `json:"kind"`
	Status    SessionStatus `json:"status"`
	Result    interface{}   `json:"result,omitempty"`
	Error     *EventError   `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// EventError carries the failure detail on a session.failed event.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
