package handlers

import (
	"errors"

	"github.com/billsub/backend/internal/aggregator"
	"github.com/billsub/backend/internal/http/dto"
	"github.com/billsub/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	callback *services.CallbackService
	log      *zap.Logger
}

func NewWebhookHandler(callback *services.CallbackService, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{callback: callback, log: log}
}

// ProviderCallback ingests the aggregator's asynchronous status callback.
// Anything the reconciler consumed gets a 200 so the provider stops
// resending; only uncorrelatable payloads are rejected.
func (h *WebhookHandler) ProviderCallback(c *fiber.Ctx) error {
	var payload aggregator.ProviderResponse
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid callback body"})
	}

	if err := h.callback.HandleCallback(c.Context(), payload); err != nil {
		if errors.Is(err, services.ErrNoCorrelation) {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "callback carries no order or request id"})
		}
		h.log.Error("callback handling failed",
			zap.String("order_id", payload.OrderID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}
