package queue

import "context"

// Attributes carry the logical routing metadata for a message. JobID is
// used as the backend's deduplication key where the backend supports one.
type Attributes struct {
	JobType string
	JobID   string
}

// Delivery is one received message as seen by the worker callback.
type Delivery struct {
	ID      string
	JobType string
	Body    []byte
	// Attempts is the delivery count including this one.
	Attempts int
}

// HandlerFunc processes one delivery. Returning nil acknowledges the
// message; returning an error leaves it for redelivery per the backend's
// retry policy.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Queue is the uniform interface over both backends. The backend is picked
// once at process start from configuration; call sites never branch on it.
type Queue interface {
	Send(ctx context.Context, body []byte, attrs Attributes) (string, error)
	StartWorker(ctx context.Context, fn HandlerFunc) (stop func(), err error)
}
