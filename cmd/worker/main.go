package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/billsub/backend/internal/aggregator"
	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/db"
	"github.com/billsub/backend/internal/escrow"
	"github.com/billsub/backend/internal/events"
	"github.com/billsub/backend/internal/repositories"
	"github.com/billsub/backend/internal/services"
	tonconn "github.com/billsub/backend/internal/ton"
	"github.com/xssnick/tonutils-go/address"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	ledgerRepo := repositories.NewLedgerRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)

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
	sweeper := services.NewRetrySweeper(ledgerRepo, dispatchService, settlementService, cfg, log)

	log.Info("worker started",
		zap.Duration("retry_sweep_interval", cfg.RetrySweepInterval),
		zap.Duration("expiry_sweep_interval", cfg.ExpirySweepInterval),
	)

	retryTicker := time.NewTicker(cfg.RetrySweepInterval)
	expiryTicker := time.NewTicker(cfg.ExpirySweepInterval)
	defer retryTicker.Stop()
	defer expiryTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-retryTicker.C:
			sweeper.RunRetrySweep(ctx)
		case <-expiryTicker.C:
			sweeper.RunExpirySweep(ctx)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}
