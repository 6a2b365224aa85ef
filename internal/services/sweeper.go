package services

import (
	"context"
	"errors"

	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/escrow"
	"github.com/billsub/backend/internal/repositories"
	"go.uber.org/zap"
)

const sweepBatchSize = 50

// RetrySweeper is the worker-side driver: it re-dispatches retryable
// failures once their backoff has elapsed and reclaims expired escrows.
type RetrySweeper struct {
	store      repositories.LedgerStore
	dispatch   *DispatchService
	settlement *SettlementService
	cfg        *config.Config
	log        *zap.Logger
}

func NewRetrySweeper(
	store repositories.LedgerStore,
	dispatch *DispatchService,
	settlement *SettlementService,
	cfg *config.Config,
	log *zap.Logger,
) *RetrySweeper {
	return &RetrySweeper{
		store:      store,
		dispatch:   dispatch,
		settlement: settlement,
		cfg:        cfg,
		log:        log,
	}
}

// RunRetrySweep re-drives entries whose backoff window has passed. The
// dispatcher's CAS guards against double submission, so overlapping sweeps
// are harmless.
func (s *RetrySweeper) RunRetrySweep(ctx context.Context) {
	entries, err := s.store.ListRetryable(ctx, s.cfg.RetryMaxAttempts, s.cfg.RetryBackoffBase, sweepBatchSize)
	if err != nil {
		s.log.Error("retry sweep listing failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if err := s.dispatch.Dispatch(ctx, e.Reference); err != nil {
			s.log.Warn("retry dispatch failed",
				zap.String("reference", e.Reference),
				zap.Int("attempts", e.Attempts),
				zap.Error(err),
			)
		}
	}
	if len(entries) > 0 {
		s.log.Info("retry sweep done", zap.Int("entries", len(entries)))
	}
}

// RunExpirySweep closes escrowed entries whose hold window ran out.
func (s *RetrySweeper) RunExpirySweep(ctx context.Context) {
	entries, err := s.store.ListExpiredEscrows(ctx, s.cfg.EscrowExpiry, sweepBatchSize)
	if err != nil {
		s.log.Error("expiry sweep listing failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		err := s.settlement.ClaimExpired(ctx, e.Reference)
		switch {
		case err == nil:
		case errors.Is(err, escrow.ErrNotExpired):
			// Clock skew between the list query and the claim check.
		case errors.Is(err, ErrConflictingSettlement):
			// Settled concurrently; nothing to reclaim.
		default:
			s.log.Warn("expiry claim failed",
				zap.String("reference", e.Reference),
				zap.Error(err),
			)
		}
	}
	if len(entries) > 0 {
		s.log.Info("expiry sweep done", zap.Int("entries", len(entries)))
	}
}
