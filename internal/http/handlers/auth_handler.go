package handlers

import (
	"github.com/billsub/backend/internal/auth"
	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/http/dto"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type AuthHandler struct {
	cfg *config.Config
	log *zap.Logger
}

func NewAuthHandler(cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, log: log}
}

// ExchangeToken swaps a static API key for a short-lived JWT carrying the
// caller's role and payer wallet.
func (h *AuthHandler) ExchangeToken(c *fiber.Ctx) error {
	var req dto.AuthTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.APIKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "api_key is required"})
	}

	var role string
	switch {
	case h.cfg.IsOperatorKey(req.APIKey):
		role = auth.RoleOperator
	case h.cfg.IsUserKey(req.APIKey):
		role = auth.RoleUser
	default:
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unknown api key"})
	}

	if role == auth.RoleUser && req.Payer == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "payer is required"})
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, req.Payer, role, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("failed to generate jwt", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	return c.JSON(dto.AuthResponse{Token: token, Role: role})
}
