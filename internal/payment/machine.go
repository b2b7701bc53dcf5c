package payment

import (
	"context"
	"fmt"
	"log"
	"time"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/ledger"
	"satukasir/backend/internal/store"
)

// Machine drives payment rows through their lifecycle and keeps the owning
// order and the stock ledger consistent with each transition. All state checks
// happen inside repository transactions; the machine decides which repository
// operation a requested transition maps to.
type Machine struct {
	repo store.Repository
}

func NewMachine(repo store.Repository) *Machine {
	return &Machine{repo: repo}
}

// Transition moves the payment to newStatus. The returned bool reports whether
// state actually changed; redelivered callbacks and late callbacks against a
// terminal payment are successful no-ops.
func (m *Machine) Transition(ctx context.Context, paymentID string, newStatus string, externalID string, callbackData map[string]any) (*domain.Payment, bool, error) {
	pay, err := m.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}

	switch {
	case newStatus == pay.Status:
		// Redelivery. Keep the freshest callback payload but change nothing else.
		if len(callbackData) > 0 {
			pay, err = m.repo.UpdatePaymentMeta(ctx, pay.ID, externalID, callbackData)
			if err != nil {
				return nil, false, err
			}
		}
		return pay, false, nil

	case IsTerminal(pay.Status):
		log.Printf("[payment] WARN ignoring late callback: payment=%s status=%s requested=%s", pay.ID, pay.Status, newStatus)
		return pay, false, nil

	case newStatus == domain.PayStatusPending:
		if len(callbackData) > 0 {
			pay, err = m.repo.UpdatePaymentMeta(ctx, pay.ID, externalID, callbackData)
			if err != nil {
				return nil, false, err
			}
		}
		return pay, false, nil

	case !CanTransition(pay.Status, newStatus):
		return nil, false, fmt.Errorf("%w: payment %s -> %s", store.ErrInvalidTransition, pay.Status, newStatus)
	}

	if newStatus == domain.PayStatusSuccess {
		order, err := m.repo.GetOrderByID(ctx, pay.OrderID)
		if err != nil {
			return nil, false, err
		}
		deductions := ledger.Deductions(domain.RefOrder, order.ID, order.Items)
		pay, err = m.repo.MarkPaymentSucceeded(ctx, pay.ID, externalID, callbackData, deductions, time.Now().UTC())
		if err != nil {
			return nil, false, err
		}
		return pay, true, nil
	}

	pay, err = m.repo.RecordPaymentOutcome(ctx, pay.ID, newStatus, externalID, callbackData)
	if err != nil {
		return nil, false, err
	}
	return pay, true, nil
}
