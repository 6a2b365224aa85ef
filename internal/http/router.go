package http

import (
	"time"

	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/http/handlers"
	"github.com/billsub/backend/internal/middleware"
	"github.com/billsub/backend/internal/rbac"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	paymentHandler *handlers.PaymentHandler,
	webhookHandler *handlers.WebhookHandler,
	adminHandler *handlers.AdminHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-API-Key",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/token", authHandler.ExchangeToken)

	// Provider callback: authenticated by HMAC signature, not JWT.
	api.Post("/callbacks/provider",
		middleware.WebhookHMACMiddleware(cfg.WebhookHMACSecret, cfg.WebhookMaxSkew, log),
		webhookHandler.ProviderCallback,
	)

	// Rate-limited public endpoints
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Payments
	protected.Post("/payments", paymentHandler.CreatePayment)
	protected.Get("/payments", paymentHandler.ListPayments)
	protected.Get("/payments/:reference", paymentHandler.GetPayment)
	protected.Post("/payments/:reference/cancel", paymentHandler.CancelPayment)

	// Operator settlement actions
	admin := protected.Group("/admin")
	admin.Post("/payments/:reference/confirm", middleware.RequirePermission(rbac.PermConfirmSettlement), adminHandler.ConfirmPayment)
	admin.Post("/payments/:reference/refund", middleware.RequirePermission(rbac.PermRefundSettlement), adminHandler.RefundPayment)
	admin.Get("/payments/:reference/audit", middleware.RequirePermission(rbac.PermViewAuditTrail), adminHandler.GetAuditTrail)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
