package notify

import (
	"context"

	"github.com/pixora/api/internal/model"
)

// Bus is a best-effort publish/subscribe channel for pushing session
// status changes to live clients. Topics are user ids. A failed publish
// must never fail the job that triggered it; callers log and move on.
type Bus interface {
	Publish(ctx context.Context, userID string, event *model.SessionEvent) error
	// Subscribe returns a channel of events for one user plus a cancel
	// function that releases the subscription.
	Subscribe(ctx context.Context, userID string) (<-chan *model.SessionEvent, func(), error)
}
