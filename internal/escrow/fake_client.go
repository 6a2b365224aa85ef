package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type hold struct {
	state      string
	amount     string
	payer      string
	capturedAt time.Time
}

// FakeClient tracks holds in memory with the same idempotency and
// mutual-exclusion semantics as the real contract. Used in tests and when
// running without a chain connection.
type FakeClient struct {
	expiry time.Duration
	now    func() time.Time

	mu    sync.Mutex
	holds map[string]*hold
}

func NewFakeClient(expiry time.Duration) *FakeClient {
	return &FakeClient{
		expiry: expiry,
		now:    time.Now,
		holds:  make(map[string]*hold),
	}
}

// SetNow overrides the clock, for expiry tests.
func (c *FakeClient) SetNow(now func() time.Time) {
	c.now = now
}

func (c *FakeClient) Capture(_ context.Context, req CaptureRequest) (CaptureResult, error) {
	if req.Payer == "" {
		return CaptureResult{}, &ChainError{Op: "capture", Err: fmt.Errorf("missing payer")}
	}

	ref := req.Reference
	if ref == "" {
		sum := sha256.Sum256([]byte(req.Payer + req.Amount + req.TokenKind + req.ServiceKind))
		ref = "0x" + hex.EncodeToString(sum[:])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.holds[ref]; !ok {
		c.holds[ref] = &hold{
			state:      HoldStateHeld,
			amount:     req.Amount,
			payer:      req.Payer,
			capturedAt: c.now(),
		}
	}
	return CaptureResult{Reference: ref, Escrowed: true}, nil
}

func (c *FakeClient) Confirm(_ context.Context, reference string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.holds[reference]
	if !ok {
		return Result{}, ErrNotFound
	}
	switch h.state {
	case HoldStateConfirmed:
		return Result{TxHash: fakeHash("confirm:" + reference)}, nil
	case HoldStateRefunded:
		return Result{}, ErrConflictingState
	}
	h.state = HoldStateConfirmed
	return Result{TxHash: fakeHash("confirm:" + reference)}, nil
}

func (c *FakeClient) Refund(_ context.Context, reference, _ string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.holds[reference]
	if !ok {
		return Result{}, ErrNotFound
	}
	switch h.state {
	case HoldStateRefunded:
		return Result{TxHash: fakeHash("refund:" + reference)}, nil
	case HoldStateConfirmed:
		return Result{}, ErrConflictingState
	}
	h.state = HoldStateRefunded
	return Result{TxHash: fakeHash("refund:" + reference)}, nil
}

func (c *FakeClient) ClaimExpired(ctx context.Context, reference string) (Result, error) {
	c.mu.Lock()
	h, ok := c.holds[reference]
	if !ok {
		c.mu.Unlock()
		return Result{}, ErrNotFound
	}
	if h.state == HoldStateHeld && c.now().Before(h.capturedAt.Add(c.expiry)) {
		c.mu.Unlock()
		return Result{}, ErrNotExpired
	}
	c.mu.Unlock()

	return c.Refund(ctx, reference, "expired")
}

func (c *FakeClient) QueryStatus(_ context.Context, reference string) (HoldStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.holds[reference]
	if !ok {
		return HoldStatus{}, ErrNotFound
	}
	expiresAt := h.capturedAt.Add(c.expiry)
	return HoldStatus{
		State:     h.state,
		Amount:    h.amount,
		Payer:     h.payer,
		ExpiresAt: expiresAt,
		IsExpired: c.now().After(expiresAt),
	}, nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
