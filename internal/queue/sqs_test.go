package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeSQS struct {
	mu sync.Mutex

	pending  []types.Message
	sent     []*sqs.SendMessageInput
	received []*sqs.ReceiveMessageInput
	deleted  []string
	visced   []*sqs.ChangeMessageVisibilityInput
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, params)
	n := int(params.MaxNumberOfMessages)
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := &sqs.ReceiveMessageOutput{Messages: f.pending[:n]}
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visced = append(f.visced, params)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) enqueue(msg types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, msg)
}

func testMessage(id, receipt, jobType string, receives string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(`{"sessionId":"s1"}`),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"jobType": {DataType: aws.String("String"), StringValue: aws.String(jobType)},
		},
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): receives,
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSQSSendSetsAttributes(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "https://sqs.test/queue"})

	id, err := q.Send(context.Background(), []byte(`{"x":1}`), Attributes{JobType: "image:generate", JobID: "job-1"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("id = %q, want msg-1", id)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(fake.sent))
	}
	attrs := fake.sent[0].MessageAttributes
	if got := aws.ToString(attrs["jobType"].StringValue); got != "image:generate" {
		t.Errorf("jobType attribute = %q", got)
	}
	if got := aws.ToString(attrs["jobId"].StringValue); got != "job-1" {
		t.Errorf("jobId attribute = %q", got)
	}
}

func TestSQSWorkerDeletesOnSuccess(t *testing.T) {
	fake := &fakeSQS{}
	fake.enqueue(testMessage("m1", "r1", "image:generate", "1"))

	q := NewSQSQueue(fake, SQSConfig{QueueURL: "https://sqs.test/queue", WaitTime: time.Millisecond})

	var mu sync.Mutex
	var got *Delivery
	stop, err := q.StartWorker(context.Background(), func(ctx context.Context, d *Delivery) error {
		mu.Lock()
		got = d
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	defer stop()

	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.deleted) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got.JobType != "image:generate" {
		t.Errorf("JobType = %q", got.JobType)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.deleted[0] != "r1" {
		t.Errorf("deleted receipt = %q, want r1", fake.deleted[0])
	}
}

func TestSQSWorkerRequestsReceiveCountAttribute(t *testing.T) {
	fake := &fakeSQS{}
	fake.enqueue(testMessage("m1", "r1", "image:generate", "3"))

	q := NewSQSQueue(fake, SQSConfig{QueueURL: "https://sqs.test/queue", WaitTime: time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	stop, err := q.StartWorker(context.Background(), func(ctx context.Context, d *Delivery) error {
		mu.Lock()
		attempts = d.Attempts
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	defer stop()

	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.deleted) == 1
	})

	// Without the attribute in the receive request the backend would never
	// return the delivery count and every attempt would look like the first.
	fake.mu.Lock()
	requested := false
	for _, in := range fake.received {
		for _, name := range in.AttributeNames {
			if name == "ApproximateReceiveCount" {
				requested = true
			}
		}
	}
	fake.mu.Unlock()
	if !requested {
		t.Error("receive request must ask for ApproximateReceiveCount")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("Attempts = %d, want 3 from the receive count", attempts)
	}
}

func TestSQSWorkerLeavesFailedMessageWithBackoff(t *testing.T) {
	fake := &fakeSQS{}
	fake.enqueue(testMessage("m1", "r1", "image:generate", "2"))

	q := NewSQSQueue(fake, SQSConfig{
		QueueURL: "https://sqs.test/queue",
		WaitTime: time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts: 5,
			Backoff:     func(attempt int) time.Duration { return time.Duration(attempt) * 7 * time.Second },
		},
	})

	stop, err := q.StartWorker(context.Background(), func(ctx context.Context, d *Delivery) error {
		return errors.New("transient failure")
	})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	defer stop()

	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.visced) == 1
	})

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deleted) != 0 {
		t.Error("failed message must not be deleted")
	}
	// Attempt 2 with a 7s-per-attempt policy.
	if got := fake.visced[0].VisibilityTimeout; got != 14 {
		t.Errorf("visibility timeout = %d, want 14", got)
	}
}

func TestSQSWorkerRespectsConcurrencyLimit(t *testing.T) {
	fake := &fakeSQS{}
	for i := 0; i < 4; i++ {
		fake.enqueue(testMessage("m", "r", "image:generate", "1"))
	}

	q := NewSQSQueue(fake, SQSConfig{
		QueueURL: "https://sqs.test/queue",
		WaitTime: time.Millisecond,
		Limit:    func() int { return 2 },
	})

	var mu sync.Mutex
	inFlight, peak, handled := 0, 0, 0
	release := make(chan struct{})

	stop, err := q.StartWorker(context.Background(), func(ctx context.Context, d *Delivery) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		handled++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	defer stop()

	// Let the poller pick up as much as the limit allows, then drain.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == 2
	})
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 4
	})

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}
}
