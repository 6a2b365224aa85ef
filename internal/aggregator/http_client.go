package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/billsub/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPClient talks to the live aggregator over its GET-style API.
type HTTPClient struct {
	baseURL    string
	userID     string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewHTTPClient(baseURL, userID, apiKey string, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// endpoints per service kind; each takes fixed query parameters.
var submitPaths = map[string]string{
	models.ServiceAirtime:     "/APIVTUV1.asp",
	models.ServiceData:        "/APIDatabundleV1.asp",
	models.ServiceElectricity: "/APIElectricityV1.asp",
	models.ServiceTV:          "/APICableTVV1.asp",
}

func (c *HTTPClient) SubmitOrder(ctx context.Context, req OrderRequest) (ProviderResponse, error) {
	if err := ValidateOrder(req); err != nil {
		return ProviderResponse{}, err
	}

	path, ok := submitPaths[req.ServiceKind]
	if !ok {
		return ProviderResponse{}, fmt.Errorf("unknown service kind %q", req.ServiceKind)
	}

	// Generated before the call: a timed-out submission must still leave a
	// traceable id for a later QueryOrder.
	requestID := uuid.New().String()

	q := url.Values{}
	q.Set("UserID", c.userID)
	q.Set("APIKey", c.apiKey)
	q.Set("RequestID", requestID)

	switch req.ServiceKind {
	case models.ServiceAirtime:
		q.Set("MobileNetwork", req.Params["network"])
		q.Set("MobileNumber", req.Params["phone"])
		q.Set("Amount", req.Amount)
	case models.ServiceData:
		q.Set("MobileNetwork", req.Params["network"])
		q.Set("MobileNumber", req.Params["phone"])
		q.Set("DataPlan", req.Params["plan"])
	case models.ServiceElectricity:
		q.Set("ElectricCompany", req.Params["disco"])
		q.Set("MeterNo", req.Params["meter"])
		q.Set("Amount", req.Amount)
		q.Set("PhoneNo", req.Params["phone"])
	case models.ServiceTV:
		q.Set("CableTV", req.Params["provider"])
		q.Set("Package", req.Params["plan"])
		q.Set("SmartCardNo", req.Params["card"])
	}

	resp, err := c.get(ctx, path, q)
	if err != nil {
		// Hand the pre-generated id back so the caller can reconcile later.
		return ProviderResponse{RequestID: requestID}, err
	}
	if resp.RequestID == "" {
		resp.RequestID = requestID
	}

	c.log.Info("order submitted",
		zap.String("service", req.ServiceKind),
		zap.String("request_id", requestID),
		zap.String("order_id", resp.OrderID),
		zap.String("status_code", resp.StatusCode),
		zap.String("status", resp.StatusText),
	)
	return resp, nil
}

func (c *HTTPClient) QueryOrder(ctx context.Context, orderID, requestID string) (ProviderResponse, error) {
	if orderID == "" && requestID == "" {
		return ProviderResponse{}, ErrInvalidQuery
	}

	q := url.Values{}
	q.Set("UserID", c.userID)
	q.Set("APIKey", c.apiKey)
	if orderID != "" {
		q.Set("OrderID", orderID)
	}
	if requestID != "" {
		q.Set("RequestID", requestID)
	}

	return c.get(ctx, "/APIQueryV1.asp", q)
}

func (c *HTTPClient) CancelOrder(ctx context.Context, orderID string) (ProviderResponse, error) {
	if orderID == "" {
		return ProviderResponse{}, ErrInvalidQuery
	}

	q := url.Values{}
	q.Set("UserID", c.userID)
	q.Set("APIKey", c.apiKey)
	q.Set("OrderID", orderID)

	return c.get(ctx, "/APICancelV1.asp", q)
}

func (c *HTTPClient) get(ctx context.Context, path string, q url.Values) (ProviderResponse, error) {
	fullURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return ProviderResponse{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProviderResponse{}, fmt.Errorf("aggregator unavailable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProviderResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return ProviderResponse{}, fmt.Errorf("aggregator returned %d: %s", resp.StatusCode, string(body))
	}

	var pr ProviderResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return ProviderResponse{}, fmt.Errorf("aggregator response not parseable: %w", err)
	}
	return pr, nil
}
