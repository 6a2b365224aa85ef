package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"
)

const (
	depositKeyPrefix = "escrow:deposit:"
	holdKeyPrefix    = "escrow:hold:"
	actionKeyPrefix  = "escrow:action:"
)

// DepositKey is the record the chain indexer writes for each observed
// incoming transfer, keyed by the transfer memo.
func DepositKey(reference string) string {
	return depositKeyPrefix + reference
}

// TONClient drives escrow over a TON hot wallet. Deposits are observed by
// the chain indexer and recorded in Redis; this client verifies them on
// Capture and pays out from the hot wallet on Confirm/Refund. Write verbs
// are deduplicated through a per-reference action marker so a network retry
// of the same action never double-spends.
type TONClient struct {
	rdb      *redis.Client
	w        *wallet.Wallet
	treasury *address.Address
	expiry   time.Duration
	log      *zap.Logger
}

func NewTONClient(rdb *redis.Client, w *wallet.Wallet, treasury *address.Address, expiry time.Duration, log *zap.Logger) *TONClient {
	return &TONClient{
		rdb:      rdb,
		w:        w,
		treasury: treasury,
		expiry:   expiry,
		log:      log,
	}
}

func (c *TONClient) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	if req.Reference == "" {
		return CaptureResult{}, &ChainError{Op: "capture", Err: fmt.Errorf("missing deposit reference")}
	}

	dep, err := c.rdb.HGetAll(ctx, DepositKey(req.Reference)).Result()
	if err != nil {
		return CaptureResult{}, &ChainError{Op: "capture", Err: err}
	}
	if len(dep) == 0 {
		return CaptureResult{}, &ChainError{Op: "capture", Err: fmt.Errorf("deposit %s not observed on chain yet", req.Reference)}
	}

	expected, err := tlb.FromTON(req.Amount)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("invalid amount %q: %w", req.Amount, err)
	}
	received, ok := new(big.Int).SetString(dep["amount_nano"], 10)
	if !ok {
		return CaptureResult{}, &ChainError{Op: "capture", Err: fmt.Errorf("malformed deposit record for %s", req.Reference)}
	}
	if received.Cmp(expected.Nano()) < 0 {
		return CaptureResult{}, fmt.Errorf("deposit %s below expected amount: got %s nano, want %s TON",
			req.Reference, received.String(), req.Amount)
	}

	err = c.rdb.HSet(ctx, holdKeyPrefix+req.Reference, map[string]any{
		"payer":       dep["payer"],
		"amount":      req.Amount,
		"amount_nano": received.String(),
		"captured_at": time.Now().UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return CaptureResult{}, &ChainError{Op: "capture", Err: err}
	}

	c.log.Info("deposit captured",
		zap.String("reference", req.Reference),
		zap.String("payer", dep["payer"]),
		zap.String("amount", req.Amount),
	)
	return CaptureResult{Reference: req.Reference, Escrowed: true}, nil
}

func (c *TONClient) Confirm(ctx context.Context, reference string) (Result, error) {
	h, err := c.hold(ctx, reference)
	if err != nil {
		return Result{}, err
	}
	return c.payout(ctx, reference, "confirm", c.treasury.String(), h["amount"])
}

func (c *TONClient) Refund(ctx context.Context, reference, reason string) (Result, error) {
	h, err := c.hold(ctx, reference)
	if err != nil {
		return Result{}, err
	}
	c.log.Info("refunding hold", zap.String("reference", reference), zap.String("reason", reason))
	return c.payout(ctx, reference, "refund", h["payer"], h["amount"])
}

func (c *TONClient) ClaimExpired(ctx context.Context, reference string) (Result, error) {
	h, err := c.hold(ctx, reference)
	if err != nil {
		return Result{}, err
	}
	capturedAt, err := time.Parse(time.RFC3339, h["captured_at"])
	if err != nil {
		return Result{}, &ChainError{Op: "claim", Err: fmt.Errorf("malformed hold record for %s", reference)}
	}
	if time.Now().Before(capturedAt.Add(c.expiry)) {
		return Result{}, ErrNotExpired
	}
	return c.Refund(ctx, reference, "expired")
}

func (c *TONClient) QueryStatus(ctx context.Context, reference string) (HoldStatus, error) {
	h, err := c.hold(ctx, reference)
	if err != nil {
		return HoldStatus{}, err
	}

	state := HoldStateHeld
	switch action, _ := c.rdb.Get(ctx, actionKeyPrefix+reference).Result(); action {
	case "confirm":
		state = HoldStateConfirmed
	case "refund":
		state = HoldStateRefunded
	}

	capturedAt, _ := time.Parse(time.RFC3339, h["captured_at"])
	expiresAt := capturedAt.Add(c.expiry)
	return HoldStatus{
		State:     state,
		Amount:    h["amount"],
		Payer:     h["payer"],
		ExpiresAt: expiresAt,
		IsExpired: time.Now().After(expiresAt),
	}, nil
}

func (c *TONClient) hold(ctx context.Context, reference string) (map[string]string, error) {
	h, err := c.rdb.HGetAll(ctx, holdKeyPrefix+reference).Result()
	if err != nil {
		return nil, &ChainError{Op: "query", Err: err}
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return h, nil
}

// payout performs the terminal transfer exactly once per reference. The
// action marker enforces confirm/refund mutual exclusion; on a transfer
// failure the marker is released so the action stays retryable.
func (c *TONClient) payout(ctx context.Context, reference, action, destination, amount string) (Result, error) {
	markerKey := actionKeyPrefix + reference
	set, err := c.rdb.SetNX(ctx, markerKey, action, 0).Result()
	if err != nil {
		return Result{}, &ChainError{Op: action, Err: err}
	}
	if !set {
		existing, err := c.rdb.Get(ctx, markerKey).Result()
		if err != nil {
			return Result{}, &ChainError{Op: action, Err: err}
		}
		if existing == action {
			// Same action retried: no-op success, funds moved already.
			return Result{TxHash: action + ":" + reference}, nil
		}
		return Result{}, ErrConflictingState
	}

	dest, err := address.ParseAddr(destination)
	if err != nil {
		_ = c.rdb.Del(ctx, markerKey).Err()
		return Result{}, &ChainError{Op: action, Err: fmt.Errorf("bad destination %q: %w", destination, err)}
	}
	coins, err := tlb.FromTON(amount)
	if err != nil {
		_ = c.rdb.Del(ctx, markerKey).Err()
		return Result{}, &ChainError{Op: action, Err: fmt.Errorf("bad amount %q: %w", amount, err)}
	}

	if err := c.w.Transfer(ctx, dest, coins, action+":"+reference); err != nil {
		_ = c.rdb.Del(ctx, markerKey).Err()
		return Result{}, &ChainError{Op: action, Err: err}
	}

	c.log.Info("payout sent",
		zap.String("reference", reference),
		zap.String("action", action),
		zap.String("destination", dest.String()),
		zap.String("amount", amount),
	)
	return Result{TxHash: action + ":" + reference}, nil
}
