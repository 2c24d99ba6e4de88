package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pixora/api/internal/client"
	"github.com/pixora/api/internal/jobs"
	"github.com/pixora/api/internal/ledger"
	"github.com/pixora/api/internal/model"
	"github.com/pixora/api/internal/notify"
	"github.com/pixora/api/internal/store"
)

// HandlerConfig tunes the generation handler.
type HandlerConfig struct {
	ImageCost        int64
	VideoCost        int64
	PollInterval     time.Duration
	ImageMaxWait     time.Duration
	VideoMaxWait     time.Duration
	MaxArtifactBytes int64
}

func (c *HandlerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ImageMaxWait <= 0 {
		c.ImageMaxWait = 5 * time.Minute
	}
	if c.VideoMaxWait <= 0 {
		c.VideoMaxWait = 20 * time.Minute
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = 512 << 20
	}
}

// SessionStore is the slice of the session store the handler needs.
type SessionStore interface {
	Get(ctx context.Context, id string) (*model.GenerationSession, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*model.GenerationSession, error)
	Create(ctx context.Context, sess *model.GenerationSession) error
	AttachReservation(ctx context.Context, id, reservationID string) error
	AttachProviderTask(ctx context.Context, id, taskID string) error
	MarkCompleted(ctx context.Context, id string, result []byte) (bool, error)
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)
}

// Ledger is the slice of the credit ledger the handler needs.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int64, opts ledger.ReserveOptions) (string, error)
	Capture(ctx context.Context, reservationID, description string) error
	Release(ctx context.Context, reservationID string) error
}

// GenerationHandler runs generation jobs end to end: resolve the session,
// hold credits, drive the provider, persist the artifacts and settle the
// reservation. Every step tolerates redelivery; the session row is the
// source of truth for what has already happened.
type GenerationHandler struct {
	sessions      SessionStore
	ledger        Ledger
	imageProvider client.TaskProvider
	videoProvider client.TaskProvider
	mockImage     client.TaskProvider
	mockVideo     client.TaskProvider
	storage       client.StorageClient
	bus           notify.Bus
	cfg           HandlerConfig
}

func NewGenerationHandler(
	sessions SessionStore,
	led Ledger,
	imageProvider, videoProvider client.TaskProvider,
	storage client.StorageClient,
	bus notify.Bus,
	cfg HandlerConfig,
) *GenerationHandler {
	cfg.applyDefaults()
	return &GenerationHandler{
		sessions:      sessions,
		ledger:        led,
		imageProvider: imageProvider,
		videoProvider: videoProvider,
		mockImage:     client.NewMockImageProvider(),
		mockVideo:     client.NewMockVideoProvider(),
		storage:       storage,
		bus:           bus,
		cfg:           cfg,
	}
}

// Register binds the generation job types into the registry.
func (h *GenerationHandler) Register(registry *jobs.Registry) {
	registry.Register(model.JobTypeImageGenerate, h.handlerFor(model.ResourceKindImage))
	registry.Register(model.JobTypeVideoGenerate, h.handlerFor(model.ResourceKindVideo))
}

func (h *GenerationHandler) handlerFor(kind model.ResourceKind) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		return h.process(ctx, kind, job)
	}
}

func (h *GenerationHandler) process(ctx context.Context, kind model.ResourceKind, job *jobs.Job) error {
	var msg model.JobMessage
	if err := json.Unmarshal(job.Data, &msg); err != nil {
		return jobs.PermanentWrap(model.FailureCodePayloadParse, err)
	}
	if msg.SessionID == "" || msg.UserID == "" {
		return jobs.Permanent(model.FailureCodePayloadParse, "message missing sessionId or userId")
	}

	sess, err := h.resolveSession(ctx, kind, &msg)
	if err != nil {
		return err
	}

	// Redelivery of a finished session: the only work possibly left over
	// from a crash is the ledger settlement, so apply it and stop.
	if sess.Status.IsTerminal() {
		return h.settleTerminal(ctx, sess)
	}

	reservationID, err := h.ensureReservation(ctx, sess, &msg)
	if err != nil {
		return err
	}

	if job.AttemptsMade <= 1 {
		h.publish(ctx, sess, model.EventTypeProcessing, nil, nil)
	}

	provider, useMock := h.pickProvider(kind, msg.Mock)

	taskID, err := h.ensureProviderTask(ctx, provider, sess, &msg)
	if err != nil {
		if perm, ok := jobs.AsPermanent(err); ok {
			if failErr := h.fail(ctx, sess, reservationID, perm.Code, perm.Message); failErr != nil {
				return failErr
			}
			return err
		}
		return err
	}

	maxWait := h.cfg.ImageMaxWait
	if kind == model.ResourceKindVideo {
		maxWait = h.cfg.VideoMaxWait
	}

	result, err := provider.PollStatus(ctx, taskID, h.cfg.PollInterval, maxWait)
	if err != nil {
		if errors.Is(err, client.ErrPollTimeout) {
			// The wall-clock budget is the contract with the user: past it
			// the attempt is over and the hold goes back, even if the
			// provider finishes later.
			message := fmt.Sprintf("task %s did not finish within %v", taskID, maxWait)
			if failErr := h.fail(ctx, sess, reservationID, model.FailureCodeTimeout, message); failErr != nil {
				return failErr
			}
			return jobs.PermanentWrap(model.FailureCodeTimeout, err)
		}
		if perm, ok := jobs.AsPermanent(err); ok {
			if failErr := h.fail(ctx, sess, reservationID, perm.Code, perm.Message); failErr != nil {
				return failErr
			}
			return err
		}
		// Transient status errors leave the session processing; redelivery
		// resumes polling against the attached task.
		return fmt.Errorf("polling task %s for session %s: %w", taskID, sess.ID, err)
	}

	outputs, err := h.storeOutputs(ctx, sess, result, useMock)
	if err != nil {
		return fmt.Errorf("storing outputs for session %s: %w", sess.ID, err)
	}

	return h.complete(ctx, sess, reservationID, outputs)
}

// resolveSession loads the session the message refers to, creating it when
// the producer's row never landed. The partial unique index on the
// idempotency key catches the race where the producer's insert and ours
// overlap.
func (h *GenerationHandler) resolveSession(ctx context.Context, kind model.ResourceKind, msg *model.JobMessage) (*model.GenerationSession, error) {
	sess, err := h.sessions.Get(ctx, msg.SessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sess = &model.GenerationSession{
		ID:             msg.SessionID,
		UserID:         msg.UserID,
		Kind:           kind,
		IdempotencyKey: msg.IdempotencyKey,
		Status:         model.SessionStatusProcessing,
		Params:         msg.Params,
		CreatedAt:      time.Now(),
	}
	if msg.ReservationID != "" {
		sess.ReservationID = &msg.ReservationID
	}

	if err := h.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) && msg.IdempotencyKey != "" {
			return h.sessions.GetByIdempotencyKey(ctx, msg.UserID, msg.IdempotencyKey)
		}
		return nil, err
	}
	log.Printf("[Worker] Created session %s from message (producer row missing)", sess.ID)
	return sess, nil
}

// settleTerminal re-applies the ledger settlement for a session that is
// already terminal. Both ledger operations are idempotent, so this is safe
// even when the original worker finished the settlement before crashing.
// A failed session re-surfaces its permanent error: a redelivery may mean
// the dead-letter write never landed, and the insert dedups on the message
// id, so retrying it costs nothing.
func (h *GenerationHandler) settleTerminal(ctx context.Context, sess *model.GenerationSession) error {
	switch sess.Status {
	case model.SessionStatusCompleted:
		if sess.ReservationID != nil {
			if err := h.ledger.Capture(ctx, *sess.ReservationID, "generation "+sess.ID); err != nil {
				return fmt.Errorf("settling completed session %s: %w", sess.ID, err)
			}
		}
		log.Printf("[Worker] Session %s already completed, settlement verified", sess.ID)
		return nil
	case model.SessionStatusFailed:
		if sess.ReservationID != nil {
			if err := h.ledger.Release(ctx, *sess.ReservationID); err != nil {
				return fmt.Errorf("settling failed session %s: %w", sess.ID, err)
			}
		}
		log.Printf("[Worker] Session %s already failed, settlement verified", sess.ID)
		return failureFromSession(sess)
	}
	return nil
}

// failureFromSession reconstructs the permanent error recorded on a failed
// session. The failed transition stores "CODE: message".
func failureFromSession(sess *model.GenerationSession) *jobs.PermanentError {
	code, message := model.FailureCodeAbandoned, "session failed"
	if sess.Error != nil && *sess.Error != "" {
		message = *sess.Error
		if i := strings.Index(message, ": "); i > 0 {
			code, message = message[:i], message[i+2:]
		}
	}
	return jobs.Permanent(code, message)
}

// ensureReservation guarantees a credit hold exists for the session,
// reserving one if neither the session nor the message carries it.
func (h *GenerationHandler) ensureReservation(ctx context.Context, sess *model.GenerationSession, msg *model.JobMessage) (string, error) {
	if sess.ReservationID != nil && *sess.ReservationID != "" {
		return *sess.ReservationID, nil
	}
	if msg.ReservationID != "" {
		if err := h.sessions.AttachReservation(ctx, sess.ID, msg.ReservationID); err != nil {
			return "", err
		}
		sess.ReservationID = &msg.ReservationID
		return msg.ReservationID, nil
	}

	cost := h.cfg.ImageCost
	if sess.Kind == model.ResourceKindVideo {
		cost = h.cfg.VideoCost
	}

	reservationID, err := h.ledger.Reserve(ctx, sess.UserID, cost, ledger.ReserveOptions{
		Description: "generation " + sess.ID,
	})
	if err != nil {
		var code string
		switch {
		case errors.Is(err, ledger.ErrUnknownUser):
			code = model.FailureCodeUserNotFound
		case errors.Is(err, ledger.ErrInsufficientCredits):
			code = model.FailureCodeInsufficientCredits
		default:
			return "", err
		}
		if failErr := h.fail(ctx, sess, "", code, err.Error()); failErr != nil {
			return "", failErr
		}
		return "", jobs.PermanentWrap(code, err)
	}

	if err := h.sessions.AttachReservation(ctx, sess.ID, reservationID); err != nil {
		// The hold exists but the link did not land; give the credits back
		// and let redelivery start over.
		if relErr := h.ledger.Release(ctx, reservationID); relErr != nil {
			log.Printf("[Worker] Failed to release orphaned reservation %s: %v", reservationID, relErr)
		}
		return "", err
	}
	sess.ReservationID = &reservationID
	return reservationID, nil
}

func (h *GenerationHandler) pickProvider(kind model.ResourceKind, wantMock bool) (client.TaskProvider, bool) {
	real := h.imageProvider
	mock := h.mockImage
	if kind == model.ResourceKindVideo {
		real = h.videoProvider
		mock = h.mockVideo
	}
	if wantMock || real == nil || !real.IsConfigured() {
		return mock, true
	}
	return real, false
}

// ensureProviderTask submits the generation to the provider unless a prior
// delivery already did. Submission is retried with exponential backoff so a
// blip at the provider does not cost a full redelivery cycle.
func (h *GenerationHandler) ensureProviderTask(ctx context.Context, provider client.TaskProvider, sess *model.GenerationSession, msg *model.JobMessage) (string, error) {
	if sess.ProviderTaskID != nil && *sess.ProviderTaskID != "" {
		return *sess.ProviderTaskID, nil
	}

	var params model.GenerationParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return "", jobs.PermanentWrap(model.FailureCodePayloadParse, err)
		}
	} else if len(sess.Params) > 0 {
		if err := json.Unmarshal(sess.Params, &params); err != nil {
			return "", jobs.PermanentWrap(model.FailureCodePayloadParse, err)
		}
	}

	req := &client.GenerateRequest{
		Prompt:          params.Prompt,
		Style:           params.Style,
		AspectRatio:     params.AspectRatio,
		Quantity:        params.Quantity,
		DurationSeconds: params.DurationSeconds,
	}

	var resp *client.SubmitResponse
	operation := func() error {
		var submitErr error
		resp, submitErr = provider.Submit(ctx, req)
		if submitErr != nil {
			if _, ok := jobs.AsPermanent(submitErr); ok {
				return backoff.Permanent(submitErr)
			}
			return submitErr
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}

	if err := h.sessions.AttachProviderTask(ctx, sess.ID, resp.TaskID); err != nil {
		return "", err
	}
	sess.ProviderTaskID = &resp.TaskID
	return resp.TaskID, nil
}

// storeOutputs copies the provider's artifacts into our bucket. Mock runs
// keep the placeholder URLs as-is.
func (h *GenerationHandler) storeOutputs(ctx context.Context, sess *model.GenerationSession, result *client.TaskResult, useMock bool) ([]model.GenerationOutput, error) {
	outputs := make([]model.GenerationOutput, 0, len(result.Outputs))
	for i, out := range result.Outputs {
		output := model.GenerationOutput{
			URL:    out.URL,
			Format: out.Format,
			Width:  out.Width,
			Height: out.Height,
		}

		if !useMock && h.storage != nil {
			ext := out.Format
			if ext == "" {
				ext = "bin"
			}
			key := fmt.Sprintf("generations/%s/%s/%d.%s", sess.UserID, sess.ID, i, ext)
			url, size, err := h.storage.StreamUpload(ctx, out.URL, key, client.StreamOptions{
				MaxBytes: h.cfg.MaxArtifactBytes,
				Timeout:  5 * time.Minute,
			})
			if err != nil {
				return nil, err
			}
			output.URL = url
			output.Bytes = size
		}

		outputs = append(outputs, output)
	}
	return outputs, nil
}

func (h *GenerationHandler) complete(ctx context.Context, sess *model.GenerationSession, reservationID string, outputs []model.GenerationOutput) error {
	resultJSON, err := json.Marshal(model.GenerationResult{Outputs: outputs})
	if err != nil {
		return fmt.Errorf("marshaling result for session %s: %w", sess.ID, err)
	}

	won, err := h.sessions.MarkCompleted(ctx, sess.ID, resultJSON)
	if err != nil {
		return err
	}
	if !won {
		// Someone else made the session terminal while we were working;
		// whoever won also owns the settlement.
		log.Printf("[Worker] Session %s was settled concurrently, discarding result", sess.ID)
		return nil
	}

	if reservationID != "" {
		if err := h.ledger.Capture(ctx, reservationID, "generation "+sess.ID); err != nil {
			// Redelivery finds the session completed and re-runs capture.
			return fmt.Errorf("capturing reservation %s: %w", reservationID, err)
		}
	}

	h.publish(ctx, sess, model.EventTypeCompleted, model.GenerationResult{Outputs: outputs}, nil)
	log.Printf("[Worker] Session %s completed with %d output(s)", sess.ID, len(outputs))
	return nil
}

// fail applies the failed transition and, when this call wins it, releases
// the hold. A nil return means the caller may proceed to dead-letter.
func (h *GenerationHandler) fail(ctx context.Context, sess *model.GenerationSession, reservationID, code, message string) error {
	won, err := h.sessions.MarkFailed(ctx, sess.ID, code+": "+message)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if reservationID != "" {
		if err := h.ledger.Release(ctx, reservationID); err != nil {
			// Redelivery finds the session failed and re-runs release.
			return fmt.Errorf("releasing reservation %s: %w", reservationID, err)
		}
	}

	h.publish(ctx, sess, model.EventTypeFailed, nil, &model.EventError{Code: code, Message: message})
	log.Printf("[Worker] Session %s failed: %s: %s", sess.ID, code, message)
	return nil
}

func (h *GenerationHandler) publish(ctx context.Context, sess *model.GenerationSession, eventType string, result interface{}, evErr *model.EventError) {
	if h.bus == nil {
		return
	}
	status := model.SessionStatusProcessing
	switch eventType {
	case model.EventTypeCompleted:
		status = model.SessionStatusCompleted
	case model.EventTypeFailed:
		status = model.SessionStatusFailed
	}
	event := &model.SessionEvent{
		Type:      eventType,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Kind:      sess.Kind,
		Status:    status,
		Result:    result,
		Error:     evErr,
		At:        time.Now(),
	}
	if err := h.bus.Publish(ctx, sess.UserID, event); err != nil {
		log.Printf("[Worker] Failed to publish %s for session %s: %v", eventType, sess.ID, err)
	}
}
