package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/store"
	"satukasir/backend/internal/store/memory"
	"satukasir/backend/internal/xid"
)

func seedOrder(t *testing.T, repo store.Repository) (*domain.Order, *domain.Payment) {
	t.Helper()
	now := time.Now().UTC()
	order := domain.Order{
		ID:            xid.New("ord"),
		OrderNumber:   xid.Number("ORD", now),
		CustomerName:  "Budi",
		CustomerPhone: "0812000111",
		PaymentStatus: domain.PaymentStatusPending,
		OrderStatus:   domain.OrderStatusPending,
		StockState:    domain.StockStateNone,
		SubtotalCents: 7000,
		TaxCents:      700,
		TotalCents:    7700,
		PaymentMethod: "qris",
		CreatedAt:     now,
		Items: []domain.OrderItem{
			{ProductID: "prd-mie-01", ProductName: "Mie Goreng Instan", Qty: 2, UnitPriceCents: 3500, TotalPriceCents: 7000},
		},
	}
	pay := domain.Payment{
		ID:          xid.New("pay"),
		OrderID:     order.ID,
		Status:      domain.PayStatusPending,
		Method:      "qris",
		AmountCents: 7700,
		CreatedAt:   now,
	}
	saved, err := repo.CreateOrder(context.Background(), order, pay)
	if err != nil {
		t.Fatalf("seed order failed: %v", err)
	}
	savedPay, err := repo.GetPaymentByOrderID(context.Background(), saved.ID)
	if err != nil {
		t.Fatalf("seed payment lookup failed: %v", err)
	}
	return saved, savedPay
}

func TestTransitionSuccessCommitsStockOnce(t *testing.T) {
	repo := memory.NewSeeded()
	machine := NewMachine(repo)
	order, pay := seedOrder(t, repo)

	productBefore, err := repo.GetProductByID(context.Background(), "prd-mie-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}

	updated, changed, err := machine.Transition(context.Background(), pay.ID, domain.PayStatusSuccess, "gw-123", map[string]any{"transaction_status": "settlement"})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected state change on first success")
	}
	if updated.Status != domain.PayStatusSuccess || updated.TransactionID != "gw-123" {
		t.Fatalf("unexpected payment after success: %+v", updated)
	}

	// Redelivered success is acknowledged without a second deduction.
	_, changed, err = machine.Transition(context.Background(), pay.ID, domain.PayStatusSuccess, "gw-123", map[string]any{"transaction_status": "settlement"})
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if changed {
		t.Fatalf("redelivery must not change state")
	}

	productAfter, err := repo.GetProductByID(context.Background(), "prd-mie-01")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if productAfter.StockQuantity != productBefore.StockQuantity-2 {
		t.Fatalf("expected one deduction of 2, got %d -> %d", productBefore.StockQuantity, productAfter.StockQuantity)
	}

	savedOrder, err := repo.GetOrderByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if savedOrder.PaymentStatus != domain.PaymentStatusPaid || savedOrder.StockState != domain.StockStateCommitted {
		t.Fatalf("expected paid/committed order, got %s/%s", savedOrder.PaymentStatus, savedOrder.StockState)
	}
}

func TestTransitionLateCallbackIgnored(t *testing.T) {
	repo := memory.NewSeeded()
	machine := NewMachine(repo)
	_, pay := seedOrder(t, repo)

	if _, _, err := machine.Transition(context.Background(), pay.ID, domain.PayStatusSuccess, "gw-1", nil); err != nil {
		t.Fatalf("success transition failed: %v", err)
	}

	updated, changed, err := machine.Transition(context.Background(), pay.ID, domain.PayStatusExpired, "", nil)
	if err != nil {
		t.Fatalf("late callback should be a no-op, got %v", err)
	}
	if changed || updated.Status != domain.PayStatusSuccess {
		t.Fatalf("expected success to stick, got changed=%t status=%s", changed, updated.Status)
	}
}

func TestTransitionTerminalFailure(t *testing.T) {
	repo := memory.NewSeeded()
	machine := NewMachine(repo)
	_, pay := seedOrder(t, repo)

	updated, changed, err := machine.Transition(context.Background(), pay.ID, domain.PayStatusExpired, "", map[string]any{"transaction_status": "expire"})
	if err != nil {
		t.Fatalf("expire transition failed: %v", err)
	}
	if !changed || updated.Status != domain.PayStatusExpired {
		t.Fatalf("expected expired payment, got changed=%t status=%s", changed, updated.Status)
	}
}

func TestTransitionUnknownPayment(t *testing.T) {
	repo := memory.NewSeeded()
	machine := NewMachine(repo)

	_, _, err := machine.Transition(context.Background(), "pay-missing", domain.PayStatusSuccess, "", nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
