package payment

import "satukasir/backend/internal/domain"

// transitions holds the legal moves of the payment state machine. pending is
// the only non-terminal state; success never transitions out.
var transitions = map[string]map[string]bool{
	domain.PayStatusPending: {
		domain.PayStatusSuccess:   true,
		domain.PayStatusFailed:    true,
		domain.PayStatusExpired:   true,
		domain.PayStatusCancelled: true,
	},
	domain.PayStatusSuccess:   {},
	domain.PayStatusFailed:    {},
	domain.PayStatusExpired:   {},
	domain.PayStatusCancelled: {},
}

func CanTransition(from string, to string) bool {
	if from == to {
		return false
	}
	allowed, ok := transitions[from]
	return ok && allowed[to]
}

func IsTerminal(status string) bool {
	allowed, ok := transitions[status]
	return ok && len(allowed) == 0
}

// MapGatewayStatus normalizes the gateway's callback vocabulary into internal
// payment states. Unknown values map to pending so a novel webhook never
// corrupts state.
func MapGatewayStatus(raw string) string {
	switch raw {
	case "capture", "settlement", "success", "paid":
		return domain.PayStatusSuccess
	case "deny", "cancel", "failure":
		return domain.PayStatusFailed
	case "expire", "expired":
		return domain.PayStatusExpired
	default:
		return domain.PayStatusPending
	}
}
