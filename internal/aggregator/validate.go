package aggregator

import (
	"fmt"
	"strings"

	"github.com/billsub/backend/internal/models"
)

// requiredParams lists the service-specific keys each order must carry.
// The ledger stores params opaquely; only this package interprets them.
var requiredParams = map[string][]string{
	models.ServiceAirtime:     {"network", "phone"},
	models.ServiceData:        {"network", "phone", "plan"},
	models.ServiceElectricity: {"disco", "meter", "phone"},
	models.ServiceTV:          {"provider", "plan", "card"},
}

// ValidateOrder checks an order before it is sent out. Amount must be a
// positive decimal string for amount-driven services.
func ValidateOrder(req OrderRequest) error {
	keys, ok := requiredParams[req.ServiceKind]
	if !ok {
		return fmt.Errorf("unknown service kind %q", req.ServiceKind)
	}

	for _, k := range keys {
		if strings.TrimSpace(req.Params[k]) == "" {
			return fmt.Errorf("%s order is missing %q", req.ServiceKind, k)
		}
	}

	switch req.ServiceKind {
	case models.ServiceAirtime, models.ServiceElectricity:
		if strings.TrimSpace(req.Amount) == "" || req.Amount == "0" {
			return fmt.Errorf("%s order requires a positive amount", req.ServiceKind)
		}
	}

	if phone, ok := req.Params["phone"]; ok {
		digits := strings.TrimPrefix(phone, "+")
		if len(digits) < 7 {
			return fmt.Errorf("phone number %q is too short", phone)
		}
		for _, r := range digits {
			if r < '0' || r > '9' {
				return fmt.Errorf("phone number %q contains non-digits", phone)
			}
		}
	}

	return nil
}
