package service

import (
	"context"
	"testing"

	"satukasir/backend/internal/domain"
)

func payOrder(t *testing.T, svc *Service, orderID string) {
	t.Helper()
	pay, err := svc.GetOrderPayment(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}
	if _, err := svc.HandleWebhook(context.Background(), domain.WebhookNotification{
		TransactionID:     pay.TransactionID,
		TransactionStatus: "settlement",
	}); err != nil {
		t.Fatalf("settlement webhook failed: %v", err)
	}
}

func TestSyncMaterializesPaidOrderOnce(t *testing.T) {
	svc, _ := newTestService()

	result := mustCreateOrder(t, svc, 2)
	payOrder(t, svc, result.Order.ID)

	created, err := svc.SyncChannels(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 synced transaction, got %d", created)
	}

	// Rerun finds the existing transaction and creates nothing.
	created, err = svc.SyncChannels(context.Background())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected idempotent rerun, got %d new transactions", created)
	}

	txs, err := svc.ListTransactions(cashierCtx(), 50)
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected exactly 1 transaction, got %d", len(txs))
	}

	tx := txs[0]
	if tx.ServedBy != domain.ServedBySystem {
		t.Fatalf("expected served_by %q, got %q", domain.ServedBySystem, tx.ServedBy)
	}
	if tx.SourceOrderID != result.Order.ID {
		t.Fatalf("expected source order link %s, got %s", result.Order.ID, tx.SourceOrderID)
	}
	if tx.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed transaction, got %s", tx.Status)
	}
	if tx.TotalCents != result.Order.TotalCents {
		t.Fatalf("expected amounts preserved: %d vs %d", tx.TotalCents, result.Order.TotalCents)
	}
	if tx.CustomerID == "" {
		t.Fatalf("expected customer to be resolved for the synced transaction")
	}
}

func TestSyncSkipsOrderMatchedByPaymentReference(t *testing.T) {
	svc, repo := newTestService()

	result := mustCreateOrder(t, svc, 1)
	payOrder(t, svc, result.Order.ID)

	order, err := svc.GetOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.PaymentReference == "" {
		t.Fatalf("expected paid order to carry a payment reference")
	}

	// A pre-existing row sharing the gateway reference counts as already
	// reconciled even without a source order link or the notes prefix.
	if _, err := repo.CreateCheckout(context.Background(), domain.Transaction{
		ID:                "trx-preref-1",
		TransactionNumber: "TRX-PREREF-1",
		UserID:            "usr-1",
		ServedBy:          "Kasir Satu",
		Status:            domain.TxStatusCompleted,
		IdempotencyKey:    "preref-1",
		PaymentMethod:     order.PaymentMethod,
		PaymentReference:  order.PaymentReference,
		TotalCents:        order.TotalCents,
		CreatedAt:         order.CreatedAt,
		Items: []domain.TransactionItem{
			{ProductID: "prd-mie-01", ProductName: "Mie Goreng Instan", Qty: 1, UnitPriceCents: 3500, TotalPriceCents: 3500},
		},
	}, nil); err != nil {
		t.Fatalf("seed transaction failed: %v", err)
	}

	created, err := svc.SyncChannels(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected reference-matched order to be skipped, got %d new transactions", created)
	}
}

func TestSyncSkipsUnpaidAndCancelledOrders(t *testing.T) {
	svc, _ := newTestService()

	// Pending order: not synced.
	mustCreateOrder(t, svc, 1)

	// Cancelled order: not synced even though it was created.
	cancelled := mustCreateOrder(t, svc, 1)
	if _, err := svc.CancelOrder(context.Background(), cancelled.Order.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	created, err := svc.SyncChannels(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no synced transactions, got %d", created)
	}
}

func TestSyncReusesCustomerByPhone(t *testing.T) {
	svc, repo := newTestService()

	existing, err := repo.CreateCustomer(context.Background(), domain.Customer{
		Name:  "Budi",
		Phone: "0812000111",
	})
	if err != nil {
		t.Fatalf("seed customer failed: %v", err)
	}

	result := mustCreateOrder(t, svc, 1)
	payOrder(t, svc, result.Order.ID)

	if _, err := svc.SyncChannels(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	txs, err := svc.ListTransactions(cashierCtx(), 10)
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(txs) != 1 || txs[0].CustomerID != existing.ID {
		t.Fatalf("expected synced transaction to reuse customer %s", existing.ID)
	}
}

func TestStatsCountSyncedRevenue(t *testing.T) {
	svc, _ := newTestService()

	// One POS sale and one paid online order.
	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		IdempotencyKey:    "idem-stats-1",
		PaymentMethod:     "cash",
		CashReceivedCents: 100000,
		Items: []domain.OrderItemInput{
			{ProductID: "prd-kopi-01", Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	result := mustCreateOrder(t, svc, 1)
	payOrder(t, svc, result.Order.ID)

	stats, err := svc.TransactionStats(context.Background(), "")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Transactions != 2 {
		t.Fatalf("expected 2 transactions in stats, got %d", stats.Transactions)
	}
	if stats.Synced != 1 {
		t.Fatalf("expected 1 synced transaction in stats, got %d", stats.Synced)
	}
	wantGross := resp.Transaction.TotalCents + result.Order.TotalCents
	if stats.GrossCents != wantGross {
		t.Fatalf("expected gross %d, got %d", wantGross, stats.GrossCents)
	}
}
