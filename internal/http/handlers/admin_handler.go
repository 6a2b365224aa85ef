package handlers

import (
	"errors"

	"github.com/billsub/backend/internal/http/dto"
	"github.com/billsub/backend/internal/middleware"
	"github.com/billsub/backend/internal/repositories"
	"github.com/billsub/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AdminHandler exposes the operator settlement actions.
type AdminHandler struct {
	settlement *services.SettlementService
	audit      repositories.AuditStore
	log        *zap.Logger
}

func NewAdminHandler(settlement *services.SettlementService, audit repositories.AuditStore, log *zap.Logger) *AdminHandler {
	return &AdminHandler{settlement: settlement, audit: audit, log: log}
}

func (h *AdminHandler) ConfirmPayment(c *fiber.Ctx) error {
	reference := c.Params("reference")
	operator := middleware.GetPayer(c)
	if operator == "" {
		operator = "operator"
	}

	err := h.settlement.Confirm(c.Context(), reference, operator, services.ActorOperator)
	return h.settlementOutcome(c, reference, err)
}

func (h *AdminHandler) RefundPayment(c *fiber.Ctx) error {
	reference := c.Params("reference")
	var req dto.RefundRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.Reason == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "reason is required"})
	}
	operator := middleware.GetPayer(c)
	if operator == "" {
		operator = "operator"
	}

	err := h.settlement.Refund(c.Context(), reference, req.Reason, operator, services.ActorOperator)
	return h.settlementOutcome(c, reference, err)
}

func (h *AdminHandler) GetAuditTrail(c *fiber.Ctx) error {
	reference := c.Params("reference")
	logs, err := h.audit.GetByEntity(c.Context(), "ledger_entry", reference, 100, 0)
	if err != nil {
		h.log.Error("audit trail lookup failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: logs})
}

func (h *AdminHandler) settlementOutcome(c *fiber.Ctx, reference string, err error) error {
	switch {
	case err == nil:
		return c.JSON(dto.SuccessResponse{OK: true})
	case errors.Is(err, repositories.ErrEntryNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment not found"})
	case errors.Is(err, services.ErrConflictingSettlement):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "payment already settled the other way"})
	default:
		h.log.Warn("settlement action failed", zap.String("reference", reference), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
}
