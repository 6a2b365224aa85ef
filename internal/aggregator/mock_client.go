package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MockClient is the explicit degraded/offline mode: deterministic synthetic
// responses so the pipeline can run without the live aggregator. It is only
// constructed when mock mode is configured, never as a silent fallback, and
// announces itself at construction.
type MockClient struct {
	log *zap.Logger

	mu     sync.Mutex
	orders map[string]ProviderResponse // by order id
}

func NewMockClient(log *zap.Logger) *MockClient {
	log.Warn("aggregator mock mode enabled, orders are not fulfilled")
	return &MockClient{
		log:    log,
		orders: make(map[string]ProviderResponse),
	}
}

func (c *MockClient) SubmitOrder(_ context.Context, req OrderRequest) (ProviderResponse, error) {
	if err := ValidateOrder(req); err != nil {
		return ProviderResponse{}, err
	}

	requestID := uuid.New().String()
	resp := ProviderResponse{
		OrderID:    mockOrderID(req),
		RequestID:  requestID,
		StatusCode: "100",
		StatusText: "ORDER_RECEIVED",
		Remark:     "mock order",
	}

	c.mu.Lock()
	c.orders[resp.OrderID] = resp
	c.mu.Unlock()

	c.log.Info("mock order accepted",
		zap.String("service", req.ServiceKind),
		zap.String("order_id", resp.OrderID),
		zap.String("request_id", requestID),
	)
	return resp, nil
}

func (c *MockClient) QueryOrder(_ context.Context, orderID, requestID string) (ProviderResponse, error) {
	if orderID == "" && requestID == "" {
		return ProviderResponse{}, ErrInvalidQuery
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if orderID != "" {
		if resp, ok := c.orders[orderID]; ok {
			resp.StatusCode = "200"
			resp.StatusText = "ORDER_COMPLETED"
			return resp, nil
		}
	}
	for _, resp := range c.orders {
		if resp.RequestID == requestID {
			resp.StatusCode = "200"
			resp.StatusText = "ORDER_COMPLETED"
			return resp, nil
		}
	}
	return ProviderResponse{
		OrderID:    orderID,
		RequestID:  requestID,
		StatusCode: "400",
		StatusText: "ORDER_NOT_FOUND",
	}, nil
}

func (c *MockClient) CancelOrder(_ context.Context, orderID string) (ProviderResponse, error) {
	if orderID == "" {
		return ProviderResponse{}, ErrInvalidQuery
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.orders[orderID]
	if !ok {
		return ProviderResponse{OrderID: orderID, StatusCode: "400", StatusText: "ORDER_NOT_FOUND"}, nil
	}
	resp.StatusCode = "300"
	resp.StatusText = "ORDER_CANCELLED"
	c.orders[orderID] = resp
	return resp, nil
}

// mockOrderID derives a stable id from the order payload so reruns of the
// same order in tests are recognizable.
func mockOrderID(req OrderRequest) string {
	sum := sha256.Sum256([]byte(req.ServiceKind + req.Amount + fmt.Sprint(req.Params)))
	return "MOCK-" + hex.EncodeToString(sum[:6])
}
