package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/billsub/backend/internal/aggregator"
	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/db"
	"github.com/billsub/backend/internal/escrow"
	"github.com/billsub/backend/internal/events"
	apphttp "github.com/billsub/backend/internal/http"
	"github.com/billsub/backend/internal/http/handlers"
	"github.com/billsub/backend/internal/repositories"
	"github.com/billsub/backend/internal/services"
	tonconn "github.com/billsub/backend/internal/ton"
	"github.com/gofiber/fiber/v2"
	"github.com/xssnick/tonutils-go/address"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	ledgerRepo := repositories.NewLedgerRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Aggregator
	var agg aggregator.Client
	if cfg.AggregatorMockMode {
		agg = aggregator.NewMockClient(log)
	} else {
		agg = aggregator.NewHTTPClient(cfg.AggregatorBaseURL, cfg.AggregatorUserID, cfg.AggregatorAPIKey, log)
	}

	// Escrow
	var esc escrow.Client
	if len(cfg.HotWalletSeed) == 0 {
		log.Warn("no hot wallet seed, escrow running in fake mode")
		esc = escrow.NewFakeClient(cfg.EscrowExpiry)
	} else {
		api, err := tonconn.Connect(ctx, cfg, log)
		if err != nil {
			log.Fatal("failed to connect to TON network", zap.Error(err))
		}
		w, err := tonconn.HotWallet(api, cfg)
		if err != nil {
			log.Fatal("failed to open hot wallet", zap.Error(err))
		}
		treasury, err := address.ParseAddr(cfg.TreasuryAddress)
		if err != nil {
			log.Fatal("invalid TREASURY_ADDRESS", zap.Error(err))
		}
		esc = escrow.NewTONClient(rdb, w, treasury, cfg.EscrowExpiry, log)
	}

	// Services
	settlementService := services.NewSettlementService(ledgerRepo, auditRepo, esc, agg, publisher, cfg, log)
	dispatchService := services.NewDispatchService(ledgerRepo, auditRepo, agg, publisher, cfg, log)
	callbackService := services.NewCallbackService(ledgerRepo, auditRepo, settlementService, publisher, cfg, log)

	// Handlers
	authHandler := handlers.NewAuthHandler(cfg, log)
	paymentHandler := handlers.NewPaymentHandler(settlementService, dispatchService, ledgerRepo, log)
	webhookHandler := handlers.NewWebhookHandler(callbackService, log)
	adminHandler := handlers.NewAdminHandler(settlementService, auditRepo, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, paymentHandler, webhookHandler, adminHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
