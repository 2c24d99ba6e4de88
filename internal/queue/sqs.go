package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	attrJobType = "jobType"
	attrJobID   = "jobId"

	sqsMaxBatch      = 10
	maxConcurrency   = 64
	idlePollInterval = 200 * time.Millisecond
)

// SQSAPI is the slice of the SQS client the backend uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConfig configures the managed cloud-queue backend.
type SQSConfig struct {
	QueueURL          string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	// Limit returns the current concurrency bound. It is consulted every
	// poll cycle so the bound can be tuned at runtime without a restart.
	Limit func() int
	Retry RetryPolicy
}

// SQSQueue is the managed cloud-queue backend. It polls with long waits,
// bounds in-flight handlers, extends message visibility while a handler is
// still running, and leaves failed messages for natural redelivery. The
// queue's own redrive policy is the retry cutover.
type SQSQueue struct {
	client SQSAPI
	cfg    SQSConfig
}

func NewSQSQueue(client SQSAPI, cfg SQSConfig) *SQSQueue {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 10 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &SQSQueue{client: client, cfg: cfg}
}

// Send publishes a message with jobType and jobId attributes.
func (q *SQSQueue) Send(ctx context.Context, body []byte, attrs Attributes) (string, error) {
	msgAttrs := map[string]types.MessageAttributeValue{
		attrJobType: {DataType: aws.String("String"), StringValue: aws.String(attrs.JobType)},
	}
	if attrs.JobID != "" {
		msgAttrs[attrJobID] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(attrs.JobID)}
	}

	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: msgAttrs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// StartWorker starts the poll loop. The returned stop function cancels
// polling and waits for in-flight handlers to finish.
func (q *SQSQueue) StartWorker(ctx context.Context, fn HandlerFunc) (func(), error) {
	if q.cfg.QueueURL == "" {
		return nil, errors.New("sqs queue url is not configured")
	}

	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.pollLoop(wctx, &wg, sem, fn)
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (q *SQSQueue) pollLoop(ctx context.Context, wg *sync.WaitGroup, sem chan struct{}, fn HandlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		free := q.limit() - len(sem)
		if free <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePollInterval):
			}
			continue
		}
		if free > sqsMaxBatch {
			free = sqsMaxBatch
		}

		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(q.cfg.QueueURL),
			MaxNumberOfMessages:   int32(free),
			WaitTimeSeconds:       int32(q.cfg.WaitTime / time.Second),
			VisibilityTimeout:     int32(q.cfg.VisibilityTimeout / time.Second),
			MessageAttributeNames: []string{"All"},
			AttributeNames:        []types.QueueAttributeName{"ApproximateReceiveCount"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[SQS] Receive failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for i := range out.Messages {
			msg := out.Messages[i]
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				q.handleMessage(ctx, fn, msg)
			}()
		}
	}
}

func (q *SQSQueue) handleMessage(ctx context.Context, fn HandlerFunc, msg types.Message) {
	d := &Delivery{
		ID:       aws.ToString(msg.MessageId),
		Body:     []byte(aws.ToString(msg.Body)),
		Attempts: receiveCount(msg),
	}
	if attr, ok := msg.MessageAttributes[attrJobType]; ok {
		d.JobType = aws.ToString(attr.StringValue)
	}

	// Keep the message invisible while the handler is still running so a
	// slow-but-healthy job is not redelivered prematurely.
	heartbeatDone := make(chan struct{})
	go q.heartbeat(ctx, msg.ReceiptHandle, heartbeatDone)

	err := fn(ctx, d)
	close(heartbeatDone)

	if err == nil {
		if _, derr := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.cfg.QueueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); derr != nil {
			log.Printf("[SQS] Delete failed for message %s: %v", d.ID, derr)
		}
		return
	}

	// Leave the message for redelivery, pushed out by the retry backoff.
	delay := q.cfg.Retry.Backoff(d.Attempts)
	log.Printf("[SQS] Message %s attempt %d failed, redelivery in %s: %v", d.ID, d.Attempts, delay, err)
	if _, verr := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: int32(delay / time.Second),
	}); verr != nil && ctx.Err() == nil {
		log.Printf("[SQS] Visibility change failed for message %s: %v", d.ID, verr)
	}
}

func (q *SQSQueue) heartbeat(ctx context.Context, receiptHandle *string, done <-chan struct{}) {
	interval := q.cfg.VisibilityTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(q.cfg.QueueURL),
				ReceiptHandle:     receiptHandle,
				VisibilityTimeout: int32(q.cfg.VisibilityTimeout / time.Second),
			}); err != nil && ctx.Err() == nil {
				log.Printf("[SQS] Visibility extension failed: %v", err)
			}
		}
	}
}

func (q *SQSQueue) limit() int {
	if q.cfg.Limit == nil {
		return 10
	}
	n := q.cfg.Limit()
	if n < 1 {
		n = 1
	}
	if n > maxConcurrency {
		n = maxConcurrency
	}
	return n
}

func receiveCount(msg types.Message) int {
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
