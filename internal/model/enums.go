package model

// SessionStatus represents the lifecycle state of a generation session.
// A session is terminal once completed or failed and never reverts.
type SessionStatus string

const (
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// ReservationStatus represents the state of a credit reservation.
type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusCaptured ReservationStatus = "captured"
	ReservationStatusReleased ReservationStatus = "released"
)

// ResourceKind identifies the type of asset a session produces.
type ResourceKind string

const (
	ResourceKindImage ResourceKind = "image"
	ResourceKindVideo ResourceKind = "video"
)

// Valid reports whether the kind is one we know how to generate.
func (k ResourceKind) Valid() bool {
	return k == ResourceKindImage || k == ResourceKindVideo
}

// Job type keys registered with the job registry.
const (
	JobTypeImageGenerate = "image:generate"
	JobTypeVideoGenerate = "video:generate"
)

// JobTypeForKind returns the queue job type for a resource kind.
func JobTypeForKind(k ResourceKind) string {
	if k == ResourceKindVideo {
		return JobTypeVideoGenerate
	}
	return JobTypeImageGenerate
}

// Failure codes recorded on dead letters and failed sessions.
const (
	FailureCodePayloadParse        = "PAYLOAD_PARSE"
	FailureCodeUserNotFound        = "USER_NOT_FOUND"
	FailureCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	FailureCodeProviderRejected    = "PROVIDER_REJECTED"
	FailureCodeProviderFailed      = "PROVIDER_FAILED"
	FailureCodeTimeout             = "GENERATION_TIMEOUT"
	FailureCodeAbandoned           = "ABANDONED"
)
