package rbac

// Role constants
const (
	RoleUser     = "user"
	RoleOperator = "operator"
)

// Permission constants
const (
	PermCreatePayment     = "create_payment"
	PermViewOwnPayments   = "view_own_payments"
	PermViewAllPayments   = "view_all_payments"
	PermConfirmSettlement = "confirm_settlement"
	PermRefundSettlement  = "refund_settlement"
	PermViewAuditTrail    = "view_audit_trail"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleUser: {
		PermCreatePayment, PermViewOwnPayments,
	},
	RoleOperator: {
		PermCreatePayment, PermViewOwnPayments, PermViewAllPayments,
		PermConfirmSettlement, PermRefundSettlement, PermViewAuditTrail,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsSettlementOperation checks if permission moves money (operator-only).
func IsSettlementOperation(permission string) bool {
	return permission == PermConfirmSettlement || permission == PermRefundSettlement
}
