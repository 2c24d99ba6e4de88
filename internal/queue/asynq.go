package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

// AsynqConfig configures the local-broker backend.
type AsynqConfig struct {
	Queue       string
	Concurrency int
	MaxRetry    int
	Retention   time.Duration
}

// AsynqQueue is the local-broker backend: redis via asynq. Delivery is
// push-style; asynq owns the retry counter and its retry limit is the
// dead-letter cutover (exhausted tasks land in the archived set).
type AsynqQueue struct {
	client *asynq.Client
	opt    asynq.RedisClientOpt
	cfg    AsynqConfig
}

func NewAsynqQueue(opt asynq.RedisClientOpt, cfg AsynqConfig) *AsynqQueue {
	if cfg.Queue == "" {
		cfg.Queue = "generation"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 5
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &AsynqQueue{
		client: asynq.NewClient(opt),
		opt:    opt,
		cfg:    cfg,
	}
}

// Send enqueues a task. When a JobID is supplied it becomes the asynq task
// id, so a duplicate submission of the same job is dropped by the broker.
func (q *AsynqQueue) Send(ctx context.Context, body []byte, attrs Attributes) (string, error) {
	opts := []asynq.Option{
		asynq.Queue(q.cfg.Queue),
		asynq.MaxRetry(q.cfg.MaxRetry),
		asynq.Retention(q.cfg.Retention),
	}
	if attrs.JobID != "" {
		opts = append(opts, asynq.TaskID(attrs.JobID))
	}

	task := asynq.NewTask(attrs.JobType, body)
	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// Same job id already queued or running: dedup, not a failure.
			log.Printf("[Queue] Duplicate job %s dropped by broker", attrs.JobID)
			return attrs.JobID, nil
		}
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// StartWorker runs an asynq server delivering every task to fn.
func (q *AsynqQueue) StartWorker(ctx context.Context, fn HandlerFunc) (func(), error) {
	srv := asynq.NewServer(q.opt, asynq.Config{
		Concurrency: q.cfg.Concurrency,
		Queues:      map[string]int{q.cfg.Queue: 1},
	})

	handler := asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		return fn(ctx, &Delivery{
			ID:       id,
			JobType:  t.Type(),
			Body:     t.Payload(),
			Attempts: retried + 1,
		})
	})

	if err := srv.Start(handler); err != nil {
		return nil, fmt.Errorf("failed to start asynq server: %w", err)
	}
	return srv.Shutdown, nil
}

// Close releases the enqueue connection.
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
