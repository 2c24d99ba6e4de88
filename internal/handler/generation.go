package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/pixora/api/internal/ledger"
	"github.com/pixora/api/internal/middleware"
	"github.com/pixora/api/internal/model"
	"github.com/pixora/api/internal/service"
	"github.com/pixora/api/pkg/response"
)

type GenerationHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewGenerationHandler(svc *service.GenerationService, v *validator.Validate) *GenerationHandler {
	return &GenerationHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/generations
func (h *GenerationHandler) Start(c *fiber.Ctx) error {
	var req model.GenerationStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			return response.InsufficientCredits(c, "Not enough credits")
		case errors.Is(err, ledger.ErrUnknownUser):
			return response.NotFound(c, "No credit account for user")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/generations/:sessionId
func (h *GenerationHandler) Status(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), middleware.GetUserID(c), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			return response.NotFound(c, "Session not found")
		case errors.Is(err, service.ErrForbidden):
			return response.Forbidden(c, "Session belongs to another user")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
