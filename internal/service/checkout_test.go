package service

import (
	"context"
	"errors"
	"testing"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/store"
)

func TestCheckoutDeductsStockAndComputesChange(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	before := stockOf(t, svc, "prd-kopi-01")
	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		IdempotencyKey:    "idem-cash-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 10000,
		Items: []domain.OrderItemInput{
			{ProductID: "prd-kopi-01", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("first checkout must not be a duplicate")
	}
	if resp.Transaction.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed transaction, got %s", resp.Transaction.Status)
	}

	// 2 x 2600 = 5200 subtotal, 10% tax = 520, total 5720, change 4280.
	if resp.Transaction.TotalCents != 5720 {
		t.Fatalf("expected total 5720, got %d", resp.Transaction.TotalCents)
	}
	if resp.ChangeCents != 4280 {
		t.Fatalf("expected change 4280, got %d", resp.ChangeCents)
	}
	if got := stockOf(t, svc, "prd-kopi-01"); got != before-2 {
		t.Fatalf("expected stock %d, got %d", before-2, got)
	}
}

func TestCheckoutIdempotentRetry(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	req := domain.CheckoutRequest{
		IdempotencyKey:    "idem-retry-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 20000,
		Items: []domain.OrderItemInput{
			{ProductID: "prd-kopi-01", Qty: 3},
		},
	}

	before := stockOf(t, svc, "prd-kopi-01")
	first, err := svc.Checkout(ctx, req)
	if err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	second, err := svc.Checkout(ctx, req)
	if err != nil {
		t.Fatalf("retry checkout failed: %v", err)
	}

	if !second.Duplicate {
		t.Fatalf("expected retry to be flagged duplicate")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("expected the original transaction back, got %s vs %s", second.Transaction.ID, first.Transaction.ID)
	}
	if got := stockOf(t, svc, "prd-kopi-01"); got != before-3 {
		t.Fatalf("expected stock deducted once (%d), got %d", before-3, got)
	}
}

func TestCheckoutCashBelowTotalRejected(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey:    "idem-underpay",
		PaymentMethod:     "cash",
		CashReceivedCents: 100,
		Items: []domain.OrderItemInput{
			{ProductID: "prd-kopi-01", Qty: 1},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCheckoutRequiresActor(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(context.Background(), domain.CheckoutRequest{
		IdempotencyKey:    "idem-anon",
		PaymentMethod:     "cash",
		CashReceivedCents: 10000,
		Items: []domain.OrderItemInput{
			{ProductID: "prd-kopi-01", Qty: 1},
		},
	})
	if err == nil {
		t.Fatalf("expected unauthenticated checkout to fail")
	}
}

func TestRefundRestoresStock(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey:    "idem-refund-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 50000,
		Items: []domain.OrderItemInput{
			{ProductID: "prd-coklat-01", Qty: 4},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	afterSale := stockOf(t, svc, "prd-coklat-01")

	_, err = svc.RefundTransaction(cashierCtx(), resp.Transaction.ID)
	if err == nil {
		t.Fatalf("expected cashier refund to be rejected")
	}

	refunded, err := svc.RefundTransaction(adminCtx(), resp.Transaction.ID)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refunded.Status != domain.TxStatusRefunded {
		t.Fatalf("expected refunded status, got %s", refunded.Status)
	}
	if got := stockOf(t, svc, "prd-coklat-01"); got != afterSale+4 {
		t.Fatalf("expected stock restored to %d, got %d", afterSale+4, got)
	}

	// Refund is terminal: a second attempt changes nothing.
	again, err := svc.RefundTransaction(adminCtx(), resp.Transaction.ID)
	if err != nil {
		t.Fatalf("repeat refund should be a no-op, got %v", err)
	}
	if again.Status != domain.TxStatusRefunded {
		t.Fatalf("expected status to stay refunded, got %s", again.Status)
	}
	if got := stockOf(t, svc, "prd-coklat-01"); got != afterSale+4 {
		t.Fatalf("expected stock unchanged after repeat refund, got %d", got)
	}
}

func TestCancelCompletedTransactionRestocks(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey:    "idem-void-1",
		PaymentMethod:     "qris",
		PaymentReference:  "QR-REF-77",
		CashReceivedCents: 0,
		Items: []domain.OrderItemInput{
			{ProductID: "prd-teh-01", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	afterSale := stockOf(t, svc, "prd-teh-01")

	cancelled, err := svc.CancelTransaction(adminCtx(), resp.Transaction.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.TxStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if got := stockOf(t, svc, "prd-teh-01"); got != afterSale+2 {
		t.Fatalf("expected stock restored to %d, got %d", afterSale+2, got)
	}
}
