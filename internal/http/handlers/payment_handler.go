package handlers

import (
	"errors"
	"strconv"

	"github.com/billsub/backend/internal/auth"
	"github.com/billsub/backend/internal/http/dto"
	"github.com/billsub/backend/internal/middleware"
	"github.com/billsub/backend/internal/repositories"
	"github.com/billsub/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	settlement *services.SettlementService
	dispatch   *services.DispatchService
	store      repositories.LedgerStore
	log        *zap.Logger
}

func NewPaymentHandler(
	settlement *services.SettlementService,
	dispatch *services.DispatchService,
	store repositories.LedgerStore,
	log *zap.Logger,
) *PaymentHandler {
	return &PaymentHandler{settlement: settlement, dispatch: dispatch, store: store, log: log}
}

// CreatePayment captures the payment and drives it through the provider in
// the same request. Replays with a known reference return the live entry.
func (h *PaymentHandler) CreatePayment(c *fiber.Ctx) error {
	var req dto.CreatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.Reference == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "reference is required"})
	}
	payer := middleware.GetPayer(c)
	if payer == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "token carries no payer wallet"})
	}

	entry, err := h.settlement.Capture(c.Context(), services.CaptureInput{
		Reference:     req.Reference,
		Payer:         payer,
		ServiceKind:   req.ServiceKind,
		Amount:        req.Amount,
		TokenKind:     req.TokenKind,
		ServiceParams: req.ServiceParams,
		Escrowed:      req.Escrowed,
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	if err := h.dispatch.Dispatch(c.Context(), entry.Reference); err != nil {
		// The entry itself is fine; its state and last error say what
		// happened. Dispatch errors here are refusal, not provider failure.
		h.log.Warn("dispatch refused", zap.String("reference", entry.Reference), zap.Error(err))
	}

	entry, err = h.store.GetByReference(c.Context(), entry.Reference)
	if err != nil {
		h.log.Error("reload after dispatch failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: entry})
}

func (h *PaymentHandler) GetPayment(c *fiber.Ctx) error {
	reference := c.Params("reference")
	entry, err := h.store.GetByReference(c.Context(), reference)
	if err != nil {
		if errors.Is(err, repositories.ErrEntryNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment not found"})
		}
		h.log.Error("get payment failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	if middleware.GetRole(c) != auth.RoleOperator && entry.Payer != middleware.GetPayer(c) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment not found"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entry})
}

// CancelPayment lets the payer withdraw a payment that has not reached the
// provider yet.
func (h *PaymentHandler) CancelPayment(c *fiber.Ctx) error {
	reference := c.Params("reference")
	entry, err := h.store.GetByReference(c.Context(), reference)
	if err != nil {
		if errors.Is(err, repositories.ErrEntryNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment not found"})
		}
		h.log.Error("get payment failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	payer := middleware.GetPayer(c)
	if middleware.GetRole(c) != auth.RoleOperator && entry.Payer != payer {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment not found"})
	}

	if err := h.settlement.Cancel(c.Context(), reference, payer, services.ActorUser); err != nil {
		if errors.Is(err, services.ErrConflictingSettlement) {
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "payment already settled"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *PaymentHandler) ListPayments(c *fiber.Ctx) error {
	filter := repositories.LedgerFilter{Limit: 20}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("state"); v != "" {
		filter.State = &v
	}

	if middleware.GetRole(c) == auth.RoleOperator {
		if v := c.Query("payer"); v != "" {
			filter.Payer = &v
		}
	} else {
		payer := middleware.GetPayer(c)
		filter.Payer = &payer
	}

	entries, err := h.store.List(c.Context(), filter)
	if err != nil {
		h.log.Error("list payments failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}
