package aggregator

import (
	"context"
	"testing"

	"github.com/billsub/backend/internal/models"
	"go.uber.org/zap"
)

func TestValidateOrder(t *testing.T) {
	tests := []struct {
		name    string
		req     OrderRequest
		wantErr bool
	}{
		{"airtime ok", OrderRequest{ServiceKind: models.ServiceAirtime, Amount: "1000",
			Params: map[string]string{"network": "01", "phone": "08030001111"}}, false},
		{"airtime missing phone", OrderRequest{ServiceKind: models.ServiceAirtime, Amount: "1000",
			Params: map[string]string{"network": "01"}}, true},
		{"airtime zero amount", OrderRequest{ServiceKind: models.ServiceAirtime, Amount: "0",
			Params: map[string]string{"network": "01", "phone": "08030001111"}}, true},
		{"data ok", OrderRequest{ServiceKind: models.ServiceData,
			Params: map[string]string{"network": "01", "phone": "08030001111", "plan": "1001"}}, false},
		{"data missing plan", OrderRequest{ServiceKind: models.ServiceData,
			Params: map[string]string{"network": "01", "phone": "08030001111"}}, true},
		{"electricity ok", OrderRequest{ServiceKind: models.ServiceElectricity, Amount: "5000",
			Params: map[string]string{"disco": "ikeja", "meter": "45060001", "phone": "08030001111"}}, false},
		{"electricity missing meter", OrderRequest{ServiceKind: models.ServiceElectricity, Amount: "5000",
			Params: map[string]string{"disco": "ikeja", "phone": "08030001111"}}, true},
		{"tv ok", OrderRequest{ServiceKind: models.ServiceTV,
			Params: map[string]string{"provider": "dstv", "plan": "compact", "card": "7025001122"}}, false},
		{"tv missing card", OrderRequest{ServiceKind: models.ServiceTV,
			Params: map[string]string{"provider": "dstv", "plan": "compact"}}, true},
		{"unknown kind", OrderRequest{ServiceKind: "betting", Amount: "100",
			Params: map[string]string{}}, true},
		{"bad phone", OrderRequest{ServiceKind: models.ServiceAirtime, Amount: "1000",
			Params: map[string]string{"network": "01", "phone": "not-a-phone"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOrder(tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOrder() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMockClientDeterministic(t *testing.T) {
	c := NewMockClient(zap.NewNop())
	req := OrderRequest{
		ServiceKind: models.ServiceAirtime,
		Amount:      "1000",
		Params:      map[string]string{"network": "01", "phone": "08030001111"},
	}

	first, err := c.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("SubmitOrder() error = %v", err)
	}
	if !Accepted(first) {
		t.Errorf("mock submission should be accepted, got %+v", first)
	}

	second, _ := c.SubmitOrder(context.Background(), req)
	if first.OrderID != second.OrderID {
		t.Errorf("mock order ids differ for the same payload: %s vs %s", first.OrderID, second.OrderID)
	}
	if first.RequestID == second.RequestID {
		t.Error("request ids must be unique per call")
	}

	queried, err := c.QueryOrder(context.Background(), first.OrderID, "")
	if err != nil {
		t.Fatalf("QueryOrder() error = %v", err)
	}
	if queried.StatusCode != "200" {
		t.Errorf("queried mock order status = %s, want 200", queried.StatusCode)
	}

	if _, err := c.QueryOrder(context.Background(), "", ""); err != ErrInvalidQuery {
		t.Errorf("QueryOrder with no ids error = %v, want ErrInvalidQuery", err)
	}
}
