package aggregator

import "strings"

// Error categories
const (
	CategoryBalance    = "balance"
	CategoryNetwork    = "network"
	CategoryValidation = "validation"
	CategorySystem     = "system"
	CategoryUnknown    = "unknown"
)

// ClassifiedError is the canonical outcome derived from a raw provider
// status. It is recomputed from the raw status when needed, never treated
// as the source of truth itself.
type ClassifiedError struct {
	Code        string `json:"code"`
	Category    string `json:"category"`
	Retryable   bool   `json:"retryable"`
	UserMessage string `json:"user_message"`
}

// knownCodes maps exact provider statuses to their classification.
// Extending this table must not reinterpret codes already listed.
var knownCodes = map[string]ClassifiedError{
	"INSUFFICIENT_BALANCE":     {Category: CategoryBalance, Retryable: false, UserMessage: "Payment could not be fulfilled, please contact support"},
	"INSUFFICIENT_API_BALANCE": {Category: CategoryBalance, Retryable: false, UserMessage: "Payment could not be fulfilled, please contact support"},
	"INVALID_PHONE_NUMBER":     {Category: CategoryValidation, Retryable: false, UserMessage: "The phone number is invalid"},
	"INVALID_METER_NUMBER":     {Category: CategoryValidation, Retryable: false, UserMessage: "The meter number is invalid"},
	"INVALID_SMARTCARD_NUMBER": {Category: CategoryValidation, Retryable: false, UserMessage: "The smartcard number is invalid"},
	"INVALID_AMOUNT":           {Category: CategoryValidation, Retryable: false, UserMessage: "The amount is not accepted for this service"},
	"INVALID_NETWORK":          {Category: CategoryValidation, Retryable: false, UserMessage: "The selected network is not supported"},
	"INVALID_DATA_PLAN":        {Category: CategoryValidation, Retryable: false, UserMessage: "The selected plan is not available"},
	"INVALID_CREDENTIALS":      {Category: CategorySystem, Retryable: false, UserMessage: "Service temporarily unavailable, please try again later"},
	"MISSING_USERID":           {Category: CategorySystem, Retryable: false, UserMessage: "Service temporarily unavailable, please try again later"},
	"MISSING_APIKEY":           {Category: CategorySystem, Retryable: false, UserMessage: "Service temporarily unavailable, please try again later"},
	"ORDER_CANCELLED":          {Category: CategorySystem, Retryable: false, UserMessage: "The order was cancelled by the provider"},
	"DUPLICATE_ORDER":          {Category: CategorySystem, Retryable: false, UserMessage: "This order was already submitted"},
	"TRANSACTION_FAILED":       {Category: CategorySystem, Retryable: true, UserMessage: "The order failed, it will be retried"},
	"SERVER_ERROR":             {Category: CategorySystem, Retryable: true, UserMessage: "Provider error, the order will be retried"},
	"SERVICE_UNAVAILABLE":      {Category: CategoryNetwork, Retryable: true, UserMessage: "Provider unavailable, the order will be retried"},
	"CONNECTION_TIMEOUT":       {Category: CategoryNetwork, Retryable: true, UserMessage: "Provider timed out, the order will be retried"},
}

// Classify maps a raw provider status to a canonical outcome. It is total:
// every input yields a ClassifiedError. Exact codes win over substring
// heuristics, heuristics win over the unknown default; the order matters
// because the heuristics are deliberately coarse.
func Classify(rawStatus, rawMessage string) ClassifiedError {
	status := strings.ToUpper(strings.TrimSpace(rawStatus))

	if c, ok := knownCodes[status]; ok {
		c.Code = status
		if rawMessage != "" && c.UserMessage == "" {
			c.UserMessage = rawMessage
		}
		return c
	}

	switch {
	case strings.Contains(status, "INSUFFICIENT"), strings.Contains(status, "BALANCE"):
		return ClassifiedError{Code: status, Category: CategoryBalance, Retryable: false,
			UserMessage: "Payment could not be fulfilled, please contact support"}
	case strings.Contains(status, "INVALID"), strings.Contains(status, "MISSING"):
		return ClassifiedError{Code: status, Category: CategoryValidation, Retryable: false,
			UserMessage: "The order details were rejected by the provider"}
	case strings.Contains(status, "TIMEOUT"), strings.Contains(status, "NETWORK"), strings.Contains(status, "UNAVAILABLE"):
		return ClassifiedError{Code: status, Category: CategoryNetwork, Retryable: true,
			UserMessage: "Provider unreachable, the order will be retried"}
	}

	code := status
	if code == "" {
		code = "UNKNOWN"
	}
	return ClassifiedError{Code: code, Category: CategoryUnknown, Retryable: true,
		UserMessage: "The order is being processed, please check back later"}
}

// acceptedCodes and acceptedTexts form the single acceptance rule applied to
// every service kind: a response is accepted iff its status code is in the
// received/completed set or its status text matches case-insensitively.
var acceptedCodes = map[string]bool{
	"100": true, // order received
	"200": true, // order completed
}

var acceptedTexts = map[string]bool{
	"ORDER_RECEIVED":  true,
	"ORDER_COMPLETED": true,
	"COMPLETED":       true,
	"DELIVERED":       true,
	"SUCCESSFUL":      true,
}

// Accepted reports whether a provider response counts as accepted. Anything
// else is a rejection and goes through Classify.
func Accepted(resp ProviderResponse) bool {
	if acceptedCodes[strings.TrimSpace(resp.StatusCode)] {
		return true
	}
	return acceptedTexts[strings.ToUpper(strings.TrimSpace(resp.StatusText))]
}
