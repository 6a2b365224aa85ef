package dto

type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
	Payer  string `json:"payer"`
}

type CreatePaymentRequest struct {
	Reference     string            `json:"reference"`
	ServiceKind   string            `json:"service_kind"` // airtime / data / electricity / tv
	Amount        string            `json:"amount"`
	TokenKind     string            `json:"token_kind"`
	ServiceParams map[string]string `json:"service_params"`
	Escrowed      bool              `json:"escrowed"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}
