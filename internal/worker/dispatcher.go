package worker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pixora/api/internal/jobs"
	"github.com/pixora/api/internal/model"
	"github.com/pixora/api/internal/queue"
)

// DeadLetterSink receives permanently failed jobs.
type DeadLetterSink interface {
	Insert(ctx context.Context, rec *model.DeadLetterRecord) error
}

// Dispatcher routes queue deliveries to registered job handlers. It owns
// the terminal decisions of the delivery lifecycle: unknown job types are
// acknowledged and dropped, permanent failures are dead-lettered, and
// everything else is left to the backend's retry policy.
type Dispatcher struct {
	registry    *jobs.Registry
	deadLetters DeadLetterSink
	sourceQueue string
}

func NewDispatcher(registry *jobs.Registry, deadLetters DeadLetterSink, sourceQueue string) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		deadLetters: deadLetters,
		sourceQueue: sourceQueue,
	}
}

// Handle implements queue.HandlerFunc.
func (d *Dispatcher) Handle(ctx context.Context, delivery *queue.Delivery) error {
	handler := d.registry.Get(delivery.JobType)
	if handler == nil {
		// Nothing in this process will ever recognize the type; retrying
		// would only burn redeliveries.
		log.Printf("[Dispatcher] Dropping message %s with unknown job type %q", delivery.ID, delivery.JobType)
		return nil
	}

	job := &jobs.Job{
		ID:           delivery.ID,
		Name:         delivery.JobType,
		Data:         delivery.Body,
		AttemptsMade: delivery.Attempts,
	}

	err := handler(ctx, job)
	if err == nil {
		return nil
	}

	if perm, ok := jobs.AsPermanent(err); ok {
		// The message id keys the record so a redelivered message that
		// dead-letters again dedups instead of duplicating.
		recID := delivery.ID
		if recID == "" {
			recID = uuid.New().String()
		}
		rec := &model.DeadLetterRecord{
			ID:             recID,
			SourceQueue:    d.sourceQueue,
			JobType:        delivery.JobType,
			Payload:        delivery.Body,
			FailureCode:    perm.Code,
			FailureMessage: perm.Message,
			Attempts:       delivery.Attempts,
			ReceivedAt:     time.Now(),
		}
		if insErr := d.deadLetters.Insert(ctx, rec); insErr != nil {
			// Keep the message in flight so the record is not lost.
			log.Printf("[Dispatcher] Dead letter insert failed for %s: %v", delivery.ID, insErr)
			return err
		}
		log.Printf("[Dispatcher] Dead-lettered message %s (type=%s code=%s attempts=%d)",
			delivery.ID, delivery.JobType, perm.Code, delivery.Attempts)
		return nil
	}

	log.Printf("[Dispatcher] Message %s (type=%s attempt=%d) failed, leaving for redelivery: %v",
		delivery.ID, delivery.JobType, delivery.Attempts, err)
	return err
}
