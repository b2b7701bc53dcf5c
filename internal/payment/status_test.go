package payment

import (
	"testing"

	"satukasir/backend/internal/domain"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from string
		to   string
		want bool
	}{
		{domain.PayStatusPending, domain.PayStatusSuccess, true},
		{domain.PayStatusPending, domain.PayStatusFailed, true},
		{domain.PayStatusPending, domain.PayStatusExpired, true},
		{domain.PayStatusPending, domain.PayStatusCancelled, true},
		{domain.PayStatusSuccess, domain.PayStatusFailed, false},
		{domain.PayStatusSuccess, domain.PayStatusPending, false},
		{domain.PayStatusFailed, domain.PayStatusSuccess, false},
		{domain.PayStatusExpired, domain.PayStatusSuccess, false},
		{domain.PayStatusPending, domain.PayStatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(domain.PayStatusPending) {
		t.Fatalf("pending must not be terminal")
	}
	for _, status := range []string{domain.PayStatusSuccess, domain.PayStatusFailed, domain.PayStatusExpired, domain.PayStatusCancelled} {
		if !IsTerminal(status) {
			t.Errorf("expected %s to be terminal", status)
		}
	}
}

func TestMapGatewayStatus(t *testing.T) {
	cases := map[string]string{
		"capture":    domain.PayStatusSuccess,
		"settlement": domain.PayStatusSuccess,
		"success":    domain.PayStatusSuccess,
		"paid":       domain.PayStatusSuccess,
		"deny":       domain.PayStatusFailed,
		"cancel":     domain.PayStatusFailed,
		"failure":    domain.PayStatusFailed,
		"expire":     domain.PayStatusExpired,
		"expired":    domain.PayStatusExpired,
		"challenge":  domain.PayStatusPending,
		"":           domain.PayStatusPending,
	}
	for raw, want := range cases {
		if got := MapGatewayStatus(raw); got != want {
			t.Errorf("MapGatewayStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}
