package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/pixora/api/internal/auth"
	"github.com/pixora/api/internal/ledger"
	"github.com/pixora/api/internal/middleware"
	"github.com/pixora/api/internal/model"
	"github.com/pixora/api/internal/queue"
	"github.com/pixora/api/internal/service"
	"github.com/pixora/api/internal/store"
)

const testSecret = "test-secret"

type memSessions struct {
	sessions map[string]*model.GenerationSession
}

func (s *memSessions) Create(_ context.Context, sess *model.GenerationSession) error {
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessions) Get(_ context.Context, id string) (*model.GenerationSession, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) GetByIdempotencyKey(_ context.Context, userID, key string) (*model.GenerationSession, error) {
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.IdempotencyKey == key {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memSessions) MarkFailed(_ context.Context, id, errMsg string) (bool, error) {
	if sess, ok := s.sessions[id]; ok {
		sess.Status = model.SessionStatusFailed
		sess.Error = &errMsg
	}
	return true, nil
}

type memLedger struct {
	balances map[string]int64
	next     int
}

func (l *memLedger) Reserve(_ context.Context, userID string, amount int64, _ ledger.ReserveOptions) (string, error) {
	if l.balances[userID] < amount {
		return "", ledger.ErrInsufficientCredits
	}
	l.balances[userID] -= amount
	l.next++
	return fmt.Sprintf("res-%d", l.next), nil
}

func (l *memLedger) Release(_ context.Context, _ string) error { return nil }

func (l *memLedger) Balance(_ context.Context, userID string) (int64, error) {
	return l.balances[userID], nil
}

func (l *memLedger) EnsureAccount(_ context.Context, userID string, grant int64) error {
	if _, ok := l.balances[userID]; !ok {
		l.balances[userID] = grant
	}
	return nil
}

type nullQueue struct{}

func (nullQueue) Send(_ context.Context, _ []byte, _ queue.Attributes) (string, error) {
	return "msg-1", nil
}

func (nullQueue) StartWorker(_ context.Context, _ queue.HandlerFunc) (func(), error) {
	return func() {}, nil
}

type testEnv struct {
	app      *fiber.App
	sessions *memSessions
	ledger   *memLedger
}

func newTestApp(t *testing.T) *testEnv {
	t.Helper()

	sessions := &memSessions{sessions: make(map[string]*model.GenerationSession)}
	led := &memLedger{balances: make(map[string]int64)}
	svc := service.NewGenerationService(sessions, led, nullQueue{}, service.Costs{
		Image:       1,
		Video:       5,
		SignupGrant: 20,
	})

	genHandler := NewGenerationHandler(svc, validator.New())
	creditsHandler := NewCreditsHandler(svc)
	authMW := middleware.NewAuthMiddleware(testSecret)

	app := fiber.New()
	api := app.Group("/api", authMW.Authenticate())
	api.Post("/generations/", genHandler.Start)
	api.Get("/generations/:sessionId", genHandler.Status)
	api.Get("/credits/balance", creditsHandler.Balance)

	return &testEnv{app: app, sessions: sessions, ledger: led}
}

func authToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, userID+"@example.com", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, app *fiber.App, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func startBody() map[string]interface{} {
	return map[string]interface{}{
		"kind":   "image",
		"params": map[string]interface{}{"prompt": "a red fox"},
	}
}

func TestStartGenerationAccepted(t *testing.T) {
	env := newTestApp(t)

	resp := doJSON(t, env.app, fiber.MethodPost, "/api/generations/", authToken(t, "u1"), startBody())
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var result model.GenerationStartResponse
	decodeBody(t, resp, &result)
	if result.SessionID == "" {
		t.Error("response carries no session id")
	}
	if result.AmountHeld != 1 {
		t.Errorf("AmountHeld = %d, want 1", result.AmountHeld)
	}
	if env.ledger.balances["u1"] != 19 {
		t.Errorf("balance = %d, want 19", env.ledger.balances["u1"])
	}
}

func TestStartGenerationRequiresAuth(t *testing.T) {
	env := newTestApp(t)

	resp := doJSON(t, env.app, fiber.MethodPost, "/api/generations/", "", startBody())
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, env.app, fiber.MethodPost, "/api/generations/", "Bearer garbage", startBody())
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestStartGenerationValidatesBody(t *testing.T) {
	env := newTestApp(t)

	resp := doJSON(t, env.app, fiber.MethodPost, "/api/generations/", authToken(t, "u1"), map[string]interface{}{
		"kind": "hologram",
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStartGenerationInsufficientCredits(t *testing.T) {
	env := newTestApp(t)
	env.ledger.balances["u1"] = 2 // account exists, below the video price

	resp := doJSON(t, env.app, fiber.MethodPost, "/api/generations/", authToken(t, "u1"), map[string]interface{}{
		"kind":   "video",
		"params": map[string]interface{}{"prompt": "a red fox running"},
	})
	if resp.StatusCode != fiber.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}

	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &errResp)
	if errResp.Error.Code != "INSUFFICIENT_CREDITS" {
		t.Errorf("error code = %q", errResp.Error.Code)
	}
}

func TestStatusReturnsOwnSession(t *testing.T) {
	env := newTestApp(t)

	resp := doJSON(t, env.app, fiber.MethodPost, "/api/generations/", authToken(t, "u1"), startBody())
	var started model.GenerationStartResponse
	decodeBody(t, resp, &started)

	resp = doJSON(t, env.app, fiber.MethodGet, "/api/generations/"+started.SessionID, authToken(t, "u1"), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status model.GenerationStatusResponse
	decodeBody(t, resp, &status)
	if status.Status != model.SessionStatusProcessing {
		t.Errorf("Status = %q, want processing", status.Status)
	}
}

func TestStatusHidesOtherUsersSessions(t *testing.T) {
	env := newTestApp(t)

	resp := doJSON(t, env.app, fiber.MethodPost, "/api/generations/", authToken(t, "u1"), startBody())
	var started model.GenerationStartResponse
	decodeBody(t, resp, &started)

	resp = doJSON(t, env.app, fiber.MethodGet, "/api/generations/"+started.SessionID, authToken(t, "u2"), nil)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	env := newTestApp(t)

	resp := doJSON(t, env.app, fiber.MethodGet, "/api/generations/missing", authToken(t, "u1"), nil)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	env := newTestApp(t)

	resp := doJSON(t, env.app, fiber.MethodGet, "/api/credits/balance", authToken(t, "u1"), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var balance model.BalanceResponse
	decodeBody(t, resp, &balance)
	if balance.Available != 20 {
		t.Errorf("Available = %d, want the signup grant", balance.Available)
	}
}
