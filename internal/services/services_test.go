package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/billsub/backend/internal/aggregator"
	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/escrow"
	"github.com/billsub/backend/internal/events"
	"github.com/billsub/backend/internal/models"
	"github.com/billsub/backend/internal/repositories"
	"go.uber.org/zap"
)

type memoryPublisher struct {
	mu   sync.Mutex
	seen []events.Event
}

func (p *memoryPublisher) Publish(_ context.Context, _ string, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, ev)
	return nil
}

// stubAggregator answers with whatever the test scripted.
type stubAggregator struct {
	mu       sync.Mutex
	submitFn func(aggregator.OrderRequest) (aggregator.ProviderResponse, error)
	queryFn  func(orderID, requestID string) (aggregator.ProviderResponse, error)
	submits  int
}

func (a *stubAggregator) SubmitOrder(_ context.Context, req aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
	a.mu.Lock()
	a.submits++
	fn := a.submitFn
	a.mu.Unlock()
	if fn == nil {
		return acceptedResponse(), nil
	}
	return fn(req)
}

func (a *stubAggregator) QueryOrder(_ context.Context, orderID, requestID string) (aggregator.ProviderResponse, error) {
	a.mu.Lock()
	fn := a.queryFn
	a.mu.Unlock()
	if fn == nil {
		// No record of the order on the provider side.
		return aggregator.ProviderResponse{RequestID: requestID, StatusText: "ORDER_NOT_FOUND"}, nil
	}
	return fn(orderID, requestID)
}

func (a *stubAggregator) CancelOrder(_ context.Context, orderID string) (aggregator.ProviderResponse, error) {
	return aggregator.ProviderResponse{OrderID: orderID, StatusCode: "300", StatusText: "ORDER_CANCELLED"}, nil
}

func (a *stubAggregator) submitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submits
}

func acceptedResponse() aggregator.ProviderResponse {
	return aggregator.ProviderResponse{
		OrderID:    "ORD-1",
		RequestID:  "REQ-1",
		StatusCode: "100",
		StatusText: "ORDER_RECEIVED",
	}
}

type testEnv struct {
	store      *repositories.MemoryLedgerStore
	audit      *repositories.MemoryAuditStore
	esc        *escrow.FakeClient
	agg        *stubAggregator
	pub        *memoryPublisher
	cfg        *config.Config
	dispatch   *DispatchService
	settlement *SettlementService
	callback   *CallbackService
	sweeper    *RetrySweeper
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		ProviderCallTimeout: time.Second,
		EscrowExpiry:        time.Hour,
		RetryBackoffBase:    time.Minute,
		RetryMaxAttempts:    5,
	}
	if mutate != nil {
		mutate(cfg)
	}
	env := &testEnv{
		store: repositories.NewMemoryLedgerStore(),
		audit: repositories.NewMemoryAuditStore(),
		esc:   escrow.NewFakeClient(cfg.EscrowExpiry),
		agg:   &stubAggregator{},
		pub:   &memoryPublisher{},
		cfg:   cfg,
	}
	log := zap.NewNop()
	env.dispatch = NewDispatchService(env.store, env.audit, env.agg, env.pub, cfg, log)
	env.settlement = NewSettlementService(env.store, env.audit, env.esc, env.agg, env.pub, cfg, log)
	env.callback = NewCallbackService(env.store, env.audit, env.settlement, env.pub, cfg, log)
	env.sweeper = NewRetrySweeper(env.store, env.dispatch, env.settlement, cfg, log)
	return env
}

func (env *testEnv) capture(t *testing.T, ref string, escrowed bool) *models.LedgerEntry {
	t.Helper()
	e, err := env.settlement.Capture(context.Background(), CaptureInput{
		Reference:   ref,
		Payer:       "0:payer",
		ServiceKind: models.ServiceAirtime,
		Amount:      "1500",
		TokenKind:   "TON",
		ServiceParams: map[string]string{
			"network": "01",
			"phone":   "08031234567",
		},
		Escrowed: escrowed,
	})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	return e
}

func (env *testEnv) mustGet(t *testing.T, ref string) *models.LedgerEntry {
	t.Helper()
	e, err := env.store.GetByReference(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetByReference(%s) error = %v", ref, err)
	}
	return e
}

func TestDispatchAcceptedThenOperatorConfirm(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.capture(t, "pay-1", true)

	if err := env.dispatch.Dispatch(ctx, "pay-1"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	e := env.mustGet(t, "pay-1")
	if e.State != models.StateProviderAccepted {
		t.Fatalf("state = %q, want provider_accepted", e.State)
	}
	if e.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", e.Attempts)
	}
	if e.LastError != nil {
		t.Errorf("last error = %+v, want nil", e.LastError)
	}
	if e.ProviderOrderID == nil || *e.ProviderOrderID != "ORD-1" {
		t.Errorf("provider order id = %v, want ORD-1", e.ProviderOrderID)
	}

	if err := env.settlement.Confirm(ctx, "pay-1", "op-1", ActorOperator); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if got := env.mustGet(t, "pay-1").State; got != models.StateConfirmed {
		t.Fatalf("state after confirm = %q, want confirmed", got)
	}
	st, err := env.esc.QueryStatus(ctx, "pay-1")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if st.State != escrow.HoldStateConfirmed {
		t.Errorf("hold state = %q, want confirmed", st.State)
	}

	// Replayed confirm changes nothing.
	if err := env.settlement.Confirm(ctx, "pay-1", "op-1", ActorOperator); err != nil {
		t.Fatalf("second Confirm() error = %v", err)
	}
}

func TestDispatchDirectTransferAutoConfirms(t *testing.T) {
	env := newTestEnv(t, nil)
	env.capture(t, "pay-direct", false)

	if err := env.dispatch.Dispatch(context.Background(), "pay-direct"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := env.mustGet(t, "pay-direct").State; got != models.StateConfirmed {
		t.Fatalf("state = %q, want confirmed", got)
	}
}

func TestDispatchProviderRejectionIsTerminalForValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{
			OrderID:    "ORD-2",
			RequestID:  "REQ-2",
			StatusCode: "400",
			StatusText: "INVALID_PHONE_NUMBER",
		}, nil
	}
	env.capture(t, "pay-bad-phone", true)

	if err := env.dispatch.Dispatch(context.Background(), "pay-bad-phone"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	e := env.mustGet(t, "pay-bad-phone")
	if e.State != models.StateProviderRejected {
		t.Fatalf("state = %q, want provider_rejected", e.State)
	}
	if e.LastError == nil || e.LastError.Retryable {
		t.Fatalf("last error = %+v, want non-retryable", e.LastError)
	}

	// A non-retryable rejection refuses re-dispatch.
	if err := env.dispatch.Dispatch(context.Background(), "pay-bad-phone"); err == nil {
		t.Fatal("Dispatch() on non-retryable rejection should error")
	}
	retryable, err := env.store.ListRetryable(context.Background(), env.cfg.RetryMaxAttempts, 0, 10)
	if err != nil {
		t.Fatalf("ListRetryable() error = %v", err)
	}
	if len(retryable) != 0 {
		t.Errorf("retryable entries = %d, want 0", len(retryable))
	}
}

func TestDispatchInvalidOrderRejectedWithoutProviderCall(t *testing.T) {
	env := newTestEnv(t, nil)
	e, err := env.settlement.Capture(context.Background(), CaptureInput{
		Reference:     "pay-missing-params",
		Payer:         "0:payer",
		ServiceKind:   models.ServiceData,
		Amount:        "500",
		TokenKind:     "TON",
		ServiceParams: map[string]string{"network": "01"},
		Escrowed:      true,
	})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if err := env.dispatch.Dispatch(context.Background(), e.Reference); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	got := env.mustGet(t, e.Reference)
	if got.State != models.StateProviderRejected {
		t.Fatalf("state = %q, want provider_rejected", got.State)
	}
	if env.agg.submitCount() != 0 {
		t.Errorf("provider was called %d times for an invalid order", env.agg.submitCount())
	}
}

func TestDispatchTransportErrorStaysSubmitted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{RequestID: "REQ-3"}, fmt.Errorf("dial tcp: connection refused")
	}
	env.capture(t, "pay-timeout", true)

	if err := env.dispatch.Dispatch(context.Background(), "pay-timeout"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	e := env.mustGet(t, "pay-timeout")
	if e.State != models.StateSubmitted {
		t.Fatalf("state = %q, want submitted", e.State)
	}
	if e.LastError == nil || !e.LastError.Retryable {
		t.Fatalf("last error = %+v, want retryable", e.LastError)
	}
	if e.ProviderRequestID == nil || *e.ProviderRequestID != "REQ-3" {
		t.Errorf("request id = %v, want REQ-3 kept for reconciliation", e.ProviderRequestID)
	}

	// The provider recovers; the next drive succeeds.
	env.agg.submitFn = nil
	if err := env.dispatch.Dispatch(context.Background(), "pay-timeout"); err != nil {
		t.Fatalf("retry Dispatch() error = %v", err)
	}
	e = env.mustGet(t, "pay-timeout")
	if e.State != models.StateProviderAccepted {
		t.Fatalf("state after retry = %q, want provider_accepted", e.State)
	}
	if e.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", e.Attempts)
	}
}

func TestRetrySweepRedrivesAfterBackoff(t *testing.T) {
	env := newTestEnv(t, nil)
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{}, fmt.Errorf("read timeout")
	}

	past := time.Now().Add(-time.Hour)
	env.store.SetNow(func() time.Time { return past })
	env.capture(t, "pay-retry", true)
	if err := env.dispatch.Dispatch(context.Background(), "pay-retry"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	env.store.SetNow(time.Now)

	env.agg.submitFn = nil
	env.sweeper.RunRetrySweep(context.Background())

	e := env.mustGet(t, "pay-retry")
	if e.State != models.StateProviderAccepted {
		t.Fatalf("state after sweep = %q, want provider_accepted", e.State)
	}
	if e.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", e.Attempts)
	}
}

func TestCallbackWithoutCorrelationIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.callback.HandleCallback(context.Background(), aggregator.ProviderResponse{StatusCode: "200"})
	if !errors.Is(err, ErrNoCorrelation) {
		t.Fatalf("HandleCallback() error = %v, want ErrNoCorrelation", err)
	}
}

func TestCallbackForUnknownOrderIsAcked(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.callback.HandleCallback(context.Background(), aggregator.ProviderResponse{
		OrderID:    "ORD-unknown",
		StatusCode: "200",
		StatusText: "ORDER_COMPLETED",
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v, want nil ack", err)
	}
}

func TestCallbackAcceptanceIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.capture(t, "pay-cb", true)
	if err := env.dispatch.Dispatch(context.Background(), "pay-cb"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	cb := aggregator.ProviderResponse{OrderID: "ORD-1", StatusCode: "200", StatusText: "ORDER_COMPLETED"}
	for i := 0; i < 3; i++ {
		if err := env.callback.HandleCallback(context.Background(), cb); err != nil {
			t.Fatalf("HandleCallback() #%d error = %v", i+1, err)
		}
	}
	if got := env.mustGet(t, "pay-cb").State; got != models.StateProviderAccepted {
		t.Fatalf("state = %q, want provider_accepted", got)
	}
}

func TestCallbackAutoSettleConfirms(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.AutoSettle = true })
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{RequestID: "REQ-5"}, fmt.Errorf("read timeout")
	}
	env.capture(t, "pay-auto", true)
	if err := env.dispatch.Dispatch(context.Background(), "pay-auto"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	// The order went through on the provider side; only the callback says so.
	err := env.callback.HandleCallback(context.Background(), aggregator.ProviderResponse{
		RequestID:  "REQ-5",
		StatusCode: "200",
		StatusText: "ORDER_COMPLETED",
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if got := env.mustGet(t, "pay-auto").State; got != models.StateConfirmed {
		t.Fatalf("state = %q, want confirmed", got)
	}
	st, err := env.esc.QueryStatus(context.Background(), "pay-auto")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if st.State != escrow.HoldStateConfirmed {
		t.Errorf("hold state = %q, want confirmed", st.State)
	}
}

func TestCallbackFailureOnSubmittedRejects(t *testing.T) {
	env := newTestEnv(t, nil)
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{RequestID: "REQ-6"}, fmt.Errorf("read timeout")
	}
	env.capture(t, "pay-fail-cb", true)
	if err := env.dispatch.Dispatch(context.Background(), "pay-fail-cb"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	err := env.callback.HandleCallback(context.Background(), aggregator.ProviderResponse{
		RequestID:  "REQ-6",
		StatusCode: "400",
		StatusText: "INSUFFICIENT_BALANCE",
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	e := env.mustGet(t, "pay-fail-cb")
	if e.State != models.StateProviderRejected {
		t.Fatalf("state = %q, want provider_rejected", e.State)
	}
	if e.LastError == nil || e.LastError.Retryable {
		t.Fatalf("last error = %+v, want non-retryable balance error", e.LastError)
	}
}

func TestCallbackFailureAfterConfirmationIsAnomaly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.capture(t, "pay-late", true)
	ctx := context.Background()
	if err := env.dispatch.Dispatch(ctx, "pay-late"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if err := env.settlement.Confirm(ctx, "pay-late", "op-1", ActorOperator); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	err := env.callback.HandleCallback(ctx, aggregator.ProviderResponse{
		OrderID:    "ORD-1",
		StatusCode: "400",
		StatusText: "TRANSACTION_FAILED",
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v, want ack", err)
	}
	if got := env.mustGet(t, "pay-late").State; got != models.StateConfirmed {
		t.Fatalf("state = %q, a late failure must not unsettle a confirmed entry", got)
	}

	logs, err := env.audit.GetByEntity(ctx, "ledger_entry", "pay-late", 50, 0)
	if err != nil {
		t.Fatalf("GetByEntity() error = %v", err)
	}
	found := false
	for _, l := range logs {
		if l.Action == "callback_anomaly" {
			found = true
		}
	}
	if !found {
		t.Error("no callback_anomaly audit record written")
	}
}

func TestConfirmAfterRefundConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.capture(t, "pay-conflict", true)
	if err := env.dispatch.Dispatch(ctx, "pay-conflict"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if err := env.settlement.Refund(ctx, "pay-conflict", "user asked", "op-1", ActorOperator); err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if err := env.settlement.Confirm(ctx, "pay-conflict", "op-2", ActorOperator); !errors.Is(err, ErrConflictingSettlement) {
		t.Fatalf("Confirm() after refund error = %v, want ErrConflictingSettlement", err)
	}
	// Refund replays stay clean.
	if err := env.settlement.Refund(ctx, "pay-conflict", "user asked", "op-1", ActorOperator); err != nil {
		t.Fatalf("second Refund() error = %v", err)
	}
}

func TestExpirySweepReclaimsStaleHolds(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	env.store.SetNow(func() time.Time { return past })
	env.esc.SetNow(func() time.Time { return past })
	env.capture(t, "pay-stale", true)
	env.store.SetNow(time.Now)
	env.esc.SetNow(time.Now)

	env.sweeper.RunExpirySweep(ctx)

	e := env.mustGet(t, "pay-stale")
	if e.State != models.StateExpired {
		t.Fatalf("state = %q, want expired", e.State)
	}
	st, err := env.esc.QueryStatus(ctx, "pay-stale")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if st.State != escrow.HoldStateRefunded {
		t.Errorf("hold state = %q, want refunded", st.State)
	}

	// A settled entry never expires.
	if err := env.settlement.ClaimExpired(ctx, "pay-stale"); err != nil {
		t.Fatalf("repeat ClaimExpired() error = %v, want no-op", err)
	}
}

func TestCaptureReplayReturnsExistingEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.capture(t, "pay-replay", true)
	if err := env.dispatch.Dispatch(context.Background(), "pay-replay"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	second := env.capture(t, "pay-replay", true)
	if second.Reference != first.Reference {
		t.Fatalf("replay created a new entry: %s vs %s", second.Reference, first.Reference)
	}
	if second.State != models.StateProviderAccepted {
		t.Errorf("replay state = %q, want the live entry's provider_accepted", second.State)
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.capture(t, "pay-cancel", true)

	if err := env.settlement.Cancel(ctx, "pay-cancel", "0:payer", ActorUser); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := env.mustGet(t, "pay-cancel").State; got != models.StateCancelled {
		t.Fatalf("state = %q, want cancelled", got)
	}
	st, err := env.esc.QueryStatus(ctx, "pay-cancel")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if st.State != escrow.HoldStateRefunded {
		t.Errorf("hold state = %q, want refunded", st.State)
	}

	// The dispatcher must leave a cancelled entry alone.
	if err := env.dispatch.Dispatch(ctx, "pay-cancel"); err != nil {
		t.Fatalf("Dispatch() on cancelled entry error = %v", err)
	}
	if got := env.mustGet(t, "pay-cancel").State; got != models.StateCancelled {
		t.Fatalf("state after dispatch = %q, want cancelled", got)
	}
}

func TestCancelAfterSubmissionRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.capture(t, "pay-too-late", true)
	if err := env.dispatch.Dispatch(ctx, "pay-too-late"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if err := env.settlement.Cancel(ctx, "pay-too-late", "0:payer", ActorUser); err == nil {
		t.Fatal("Cancel() after submission should be refused")
	}
}

func TestDispatchReconcilesLostSubmission(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{RequestID: "REQ-7"}, fmt.Errorf("read timeout")
	}
	env.capture(t, "pay-lost", true)
	if err := env.dispatch.Dispatch(ctx, "pay-lost"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	// The provider accepted the order even though the response was lost;
	// the second drive must find it via query, not submit a duplicate.
	env.agg.queryFn = func(_, requestID string) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{
			OrderID:    "ORD-7",
			RequestID:  requestID,
			StatusCode: "200",
			StatusText: "ORDER_COMPLETED",
		}, nil
	}
	submitsBefore := env.agg.submitCount()
	if err := env.dispatch.Dispatch(ctx, "pay-lost"); err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	if env.agg.submitCount() != submitsBefore {
		t.Errorf("second dispatch resubmitted the order instead of querying")
	}
	if got := env.mustGet(t, "pay-lost").State; got != models.StateProviderAccepted {
		t.Fatalf("state = %q, want provider_accepted via query", got)
	}
}

func TestConcurrentRedrivesElectSingleSubmitter(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{}, fmt.Errorf("read timeout")
	}
	env.capture(t, "pay-redrive", true)
	if err := env.dispatch.Dispatch(ctx, "pay-redrive"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := env.mustGet(t, "pay-redrive").State; got != models.StateSubmitted {
		t.Fatalf("state = %q, want submitted", got)
	}

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		entered <- struct{}{}
		<-release
		return acceptedResponse(), nil
	}

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- env.dispatch.Dispatch(ctx, "pay-redrive") }()
	}

	// Exactly one driver may reach the provider. The other must stand
	// down and return before any order is placed.
	<-entered
	select {
	case <-entered:
		close(release)
		t.Fatal("both drivers submitted one entry to the provider")
	case err := <-done:
		if err != nil {
			close(release)
			t.Fatalf("standing-down Dispatch() error = %v", err)
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("winning Dispatch() error = %v", err)
	}

	e := env.mustGet(t, "pay-redrive")
	if e.State != models.StateProviderAccepted {
		t.Fatalf("state = %q, want provider_accepted", e.State)
	}
	if e.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", e.Attempts)
	}
	if env.agg.submitCount() != 2 {
		t.Errorf("provider submissions = %d, want one per attempt", env.agg.submitCount())
	}
}

func TestRetrySweepRacingManualRefundSingleWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// The first attempt ends in a retryable rejection past its backoff floor.
	env.agg.submitFn = func(aggregator.OrderRequest) (aggregator.ProviderResponse, error) {
		return aggregator.ProviderResponse{
			OrderID:    "ORD-9",
			RequestID:  "REQ-9",
			StatusCode: "500",
			StatusText: "SERVICE_UNAVAILABLE",
		}, nil
	}
	past := time.Now().Add(-time.Hour)
	env.store.SetNow(func() time.Time { return past })
	env.capture(t, "pay-sweep-race", true)
	if err := env.dispatch.Dispatch(ctx, "pay-sweep-race"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	env.store.SetNow(time.Now)
	e := env.mustGet(t, "pay-sweep-race")
	if e.State != models.StateProviderRejected || e.LastError == nil || !e.LastError.Retryable {
		t.Fatalf("entry = %q %+v, want a retryable provider_rejected", e.State, e.LastError)
	}

	env.agg.submitFn = nil

	var wg sync.WaitGroup
	var refundErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		env.sweeper.RunRetrySweep(ctx)
	}()
	go func() {
		defer wg.Done()
		refundErr = env.settlement.Refund(ctx, "pay-sweep-race", "user asked", "op-1", ActorOperator)
	}()
	wg.Wait()

	e = env.mustGet(t, "pay-sweep-race")
	st, err := env.esc.QueryStatus(ctx, "pay-sweep-race")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}

	// A losing refund must never move money.
	if refundErr != nil && st.State == escrow.HoldStateRefunded {
		t.Fatalf("Refund() returned %v but the hold was refunded anyway", refundErr)
	}
	switch e.State {
	case models.StateRefunded:
		if refundErr != nil {
			t.Fatalf("entry is refunded but Refund() returned %v", refundErr)
		}
		if st.State != escrow.HoldStateRefunded {
			t.Errorf("hold state = %q, want refunded", st.State)
		}
	case models.StateProviderAccepted:
		if refundErr == nil {
			t.Fatal("Refund() reported success but the retry owns the entry")
		}
		if st.State != escrow.HoldStateHeld {
			t.Errorf("hold state = %q, want still held", st.State)
		}
	default:
		t.Fatalf("state = %q, want refunded or provider_accepted", e.State)
	}
}

func TestConcurrentConfirmAndRefundSingleWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.capture(t, "pay-race", true)
	if err := env.dispatch.Dispatch(ctx, "pay-race"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = env.settlement.Confirm(ctx, "pay-race", "op-1", ActorOperator)
	}()
	go func() {
		defer wg.Done()
		results[1] = env.settlement.Refund(ctx, "pay-race", "dispute", "op-2", ActorOperator)
	}()
	wg.Wait()

	e := env.mustGet(t, "pay-race")
	if e.State != models.StateConfirmed && e.State != models.StateRefunded {
		t.Fatalf("state = %q, want exactly one terminal settlement", e.State)
	}
	var conflicts int
	for _, err := range results {
		if errors.Is(err, ErrConflictingSettlement) {
			conflicts++
		} else if err != nil {
			t.Errorf("unexpected settlement error: %v", err)
		}
	}
	if conflicts != 1 {
		t.Errorf("conflicts = %d, want exactly one loser", conflicts)
	}
}
