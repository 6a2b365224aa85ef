package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func capture(t *testing.T, c *FakeClient) string {
	t.Helper()
	res, err := c.Capture(context.Background(), CaptureRequest{
		Payer:       "0:payer",
		Amount:      "1000",
		TokenKind:   "TON",
		ServiceKind: "airtime",
	})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if !res.Escrowed {
		t.Fatal("Capture() should report escrowed")
	}
	return res.Reference
}

func TestConfirmIsIdempotent(t *testing.T) {
	c := NewFakeClient(time.Hour)
	ref := capture(t, c)

	first, err := c.Confirm(context.Background(), ref)
	if err != nil {
		t.Fatalf("first Confirm() error = %v", err)
	}
	second, err := c.Confirm(context.Background(), ref)
	if err != nil {
		t.Fatalf("second Confirm() error = %v", err)
	}
	if first.TxHash != second.TxHash {
		t.Errorf("repeated confirm produced a different tx: %s vs %s", first.TxHash, second.TxHash)
	}

	st, err := c.QueryStatus(context.Background(), ref)
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if st.State != HoldStateConfirmed {
		t.Errorf("state = %q, want confirmed", st.State)
	}
}

func TestConfirmRefundMutualExclusion(t *testing.T) {
	c := NewFakeClient(time.Hour)

	ref := capture(t, c)
	if _, err := c.Confirm(context.Background(), ref); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if _, err := c.Refund(context.Background(), ref, "user asked"); !errors.Is(err, ErrConflictingState) {
		t.Errorf("Refund after Confirm error = %v, want ErrConflictingState", err)
	}

	c2 := NewFakeClient(time.Hour)
	ref2 := capture(t, c2)
	if _, err := c2.Refund(context.Background(), ref2, "provider rejected"); err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if _, err := c2.Refund(context.Background(), ref2, "again"); err != nil {
		t.Errorf("repeated Refund error = %v, want no-op success", err)
	}
	if _, err := c2.Confirm(context.Background(), ref2); !errors.Is(err, ErrConflictingState) {
		t.Errorf("Confirm after Refund error = %v, want ErrConflictingState", err)
	}
}

func TestClaimExpired(t *testing.T) {
	c := NewFakeClient(time.Hour)
	ref := capture(t, c)

	if _, err := c.ClaimExpired(context.Background(), ref); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("early ClaimExpired error = %v, want ErrNotExpired", err)
	}

	c.SetNow(func() time.Time { return time.Now().Add(2 * time.Hour) })

	if _, err := c.ClaimExpired(context.Background(), ref); err != nil {
		t.Fatalf("ClaimExpired after window error = %v", err)
	}
	st, _ := c.QueryStatus(context.Background(), ref)
	if st.State != HoldStateRefunded {
		t.Errorf("state after expiry claim = %q, want refunded", st.State)
	}

	// Claiming again is the refund no-op.
	if _, err := c.ClaimExpired(context.Background(), ref); err != nil {
		t.Errorf("repeated ClaimExpired error = %v, want no-op success", err)
	}
}

func TestUnknownReference(t *testing.T) {
	c := NewFakeClient(time.Hour)

	if _, err := c.Confirm(context.Background(), "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Confirm on unknown ref error = %v, want ErrNotFound", err)
	}
	if _, err := c.QueryStatus(context.Background(), "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("QueryStatus on unknown ref error = %v, want ErrNotFound", err)
	}
}

func TestCaptureSameReferenceOnce(t *testing.T) {
	c := NewFakeClient(time.Hour)
	req := CaptureRequest{Reference: "pay-1", Payer: "0:payer", Amount: "500", TokenKind: "TON", ServiceKind: "data"}

	first, err := c.Capture(context.Background(), req)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if _, err := c.Confirm(context.Background(), first.Reference); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	// Re-capturing the same reference must not reset the hold.
	if _, err := c.Capture(context.Background(), req); err != nil {
		t.Fatalf("repeat Capture() error = %v", err)
	}
	st, _ := c.QueryStatus(context.Background(), "pay-1")
	if st.State != HoldStateConfirmed {
		t.Errorf("repeat capture reset the hold: state = %q", st.State)
	}
}
