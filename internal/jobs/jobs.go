package jobs

import (
	"context"
	"strings"
)

// Job is what a registered handler receives: the raw message body plus
// delivery metadata from the queue backend.
type Job struct {
	ID           string
	Name         string
	Data         []byte
	AttemptsMade int
}

// Handler processes one job delivery. Returning nil acknowledges the
// message. Returning a *PermanentError dead-letters it. Any other error
// leaves the message for redelivery, so handlers must be idempotent.
type Handler func(ctx context.Context, job *Job) error

// Registry binds job-type keys to handlers. The table is built once at
// startup; there is no runtime discovery.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job-type key. Keys are case-insensitive.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[strings.ToLower(name)] = h
}

// Get returns the handler for a job type, or nil if none is registered.
// Callers treat an unknown type as ack-and-drop: retrying a job nobody
// recognizes can never succeed.
func (r *Registry) Get(name string) Handler {
	return r.handlers[strings.ToLower(name)]
}

// Names returns the registered job-type keys.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
