package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/pixora/api/internal/ledger"
	"github.com/pixora/api/internal/middleware"
	"github.com/pixora/api/internal/service"
	"github.com/pixora/api/pkg/response"
)

type CreditsHandler struct {
	service *service.GenerationService
}

func NewCreditsHandler(svc *service.GenerationService) *CreditsHandler {
	return &CreditsHandler{service: svc}
}

// Balance handles GET /api/credits/balance
func (h *CreditsHandler) Balance(c *fiber.Ctx) error {
	result, err := h.service.Balance(c.Context(), middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
			return response.NotFound(c, "No credit account for user")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}
