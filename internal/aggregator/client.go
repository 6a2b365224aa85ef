package aggregator

import (
	"context"
	"errors"
)

// ErrInvalidQuery is returned by QueryOrder when neither identifier is given.
var ErrInvalidQuery = errors.New("query requires an order id or a request id")

// ProviderResponse is the normalized shape of every aggregator reply,
// both synchronous responses and webhook callbacks.
type ProviderResponse struct {
	OrderID    string `json:"orderid"`
	RequestID  string `json:"requestid"`
	StatusCode string `json:"statuscode"`
	StatusText string `json:"status"`
	Remark     string `json:"remark,omitempty"`
}

// OrderRequest carries one service order to the aggregator. RequestID is
// generated by the client before the network call so a timed-out submission
// still has a traceable id for a later QueryOrder.
type OrderRequest struct {
	ServiceKind string
	Amount      string
	Params      map[string]string
}

// Client is the boundary to the external telecom aggregator.
type Client interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (ProviderResponse, error)
	QueryOrder(ctx context.Context, orderID, requestID string) (ProviderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (ProviderResponse, error)
}
