package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/payment"
	"satukasir/backend/internal/store"
	"satukasir/backend/internal/store/memory"
)

func newTestService() (*Service, store.Repository) {
	repo := memory.NewSeeded()
	svc := New(repo, payment.NewSandboxGateway("Test Store"), nil, nil, 10, time.Minute)
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func mustCreateOrder(t *testing.T, svc *Service, qty int) OrderResult {
	t.Helper()
	result, err := svc.CreateOrder(context.Background(), domain.OrderCreateRequest{
		CustomerName:  "Budi",
		CustomerPhone: "0812000111",
		CustomerEmail: "budi@example.com",
		PaymentMethod: "qris",
		Items: []domain.OrderItemInput{
			{ProductID: "prd-mie-01", Qty: qty},
		},
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	return result
}

func stockOf(t *testing.T, svc *Service, productID string) int {
	t.Helper()
	p, err := svc.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	return p.StockQuantity
}

func TestCreateOrderReservesStock(t *testing.T) {
	svc, _ := newTestService()

	before := stockOf(t, svc, "prd-mie-01")
	result := mustCreateOrder(t, svc, 3)

	if result.Order.StockState != domain.StockStateReserved {
		t.Fatalf("expected stock state reserved, got %s", result.Order.StockState)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending payment status, got %s", result.Order.PaymentStatus)
	}
	if got := stockOf(t, svc, "prd-mie-01"); got != before-3 {
		t.Fatalf("expected stock %d after reservation, got %d", before-3, got)
	}
	if result.Instructions == nil || result.Instructions.TransactionID == "" {
		t.Fatalf("expected payment instructions with a transaction id")
	}

	// The gateway reference lands on the order so the reconciler can match it.
	order, err := svc.GetOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.PaymentReference != result.Instructions.TransactionID {
		t.Fatalf("expected order payment reference %q, got %q", result.Instructions.TransactionID, order.PaymentReference)
	}

	// Price snapshot and totals: 3 x 3500 plus 10% tax.
	if result.Order.SubtotalCents != 10500 {
		t.Fatalf("expected subtotal 10500, got %d", result.Order.SubtotalCents)
	}
	if result.Order.TaxCents != 1050 {
		t.Fatalf("expected tax 1050, got %d", result.Order.TaxCents)
	}
	if result.Order.TotalCents != 11550 {
		t.Fatalf("expected total 11550, got %d", result.Order.TotalCents)
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateOrder(context.Background(), domain.OrderCreateRequest{
		CustomerName:  "Budi",
		CustomerPhone: "0812000111",
		PaymentMethod: "qris",
		Items: []domain.OrderItemInput{
			{ProductID: "prd-roti-01", Qty: 9999},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}

	if got := stockOf(t, svc, "prd-roti-01"); got != 25 {
		t.Fatalf("expected stock untouched at 25, got %d", got)
	}
}

func TestWebhookSuccessIsIdempotent(t *testing.T) {
	svc, _ := newTestService()

	before := stockOf(t, svc, "prd-mie-01")
	result := mustCreateOrder(t, svc, 2)

	pay, err := svc.GetOrderPayment(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}

	notif := domain.WebhookNotification{
		TransactionID:     pay.TransactionID,
		TransactionStatus: "settlement",
	}
	first, err := svc.HandleWebhook(context.Background(), notif)
	if err != nil {
		t.Fatalf("first webhook failed: %v", err)
	}
	if first.Status != domain.PayStatusSuccess {
		t.Fatalf("expected payment success, got %s", first.Status)
	}

	// Redelivery must change nothing.
	second, err := svc.HandleWebhook(context.Background(), notif)
	if err != nil {
		t.Fatalf("redelivered webhook failed: %v", err)
	}
	if second.Status != domain.PayStatusSuccess {
		t.Fatalf("expected payment still success, got %s", second.Status)
	}

	if got := stockOf(t, svc, "prd-mie-01"); got != before-2 {
		t.Fatalf("expected stock deducted exactly once (%d), got %d", before-2, got)
	}

	order, err := svc.GetOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected order paid, got %s", order.PaymentStatus)
	}
	if order.OrderStatus != domain.OrderStatusProcessing {
		t.Fatalf("expected order processing, got %s", order.OrderStatus)
	}
	if order.StockState != domain.StockStateCommitted {
		t.Fatalf("expected stock committed, got %s", order.StockState)
	}
	if order.PaidAt == nil {
		t.Fatalf("expected paid_at to be set")
	}
}

func TestLateWebhookAfterSuccessIgnored(t *testing.T) {
	svc, _ := newTestService()

	result := mustCreateOrder(t, svc, 1)
	pay, err := svc.GetOrderPayment(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}

	if _, err := svc.HandleWebhook(context.Background(), domain.WebhookNotification{
		TransactionID:     pay.TransactionID,
		TransactionStatus: "settlement",
	}); err != nil {
		t.Fatalf("settlement webhook failed: %v", err)
	}

	late, err := svc.HandleWebhook(context.Background(), domain.WebhookNotification{
		TransactionID:     pay.TransactionID,
		TransactionStatus: "expire",
	})
	if err != nil {
		t.Fatalf("late webhook should be acknowledged, got %v", err)
	}
	if late.Status != domain.PayStatusSuccess {
		t.Fatalf("expected payment to stay success, got %s", late.Status)
	}

	order, err := svc.GetOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.OrderStatus == domain.OrderStatusCancelled {
		t.Fatalf("late expire webhook must not cancel a paid order")
	}
}

func TestCancelOrderRestoresStockOnce(t *testing.T) {
	svc, _ := newTestService()

	before := stockOf(t, svc, "prd-mie-01")
	result := mustCreateOrder(t, svc, 5)

	if got := stockOf(t, svc, "prd-mie-01"); got != before-5 {
		t.Fatalf("expected stock reserved down to %d, got %d", before-5, got)
	}

	cancelled, err := svc.CancelOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.OrderStatus != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %s", cancelled.OrderStatus)
	}
	if cancelled.StockState != domain.StockStateReleased {
		t.Fatalf("expected stock released, got %s", cancelled.StockState)
	}
	if got := stockOf(t, svc, "prd-mie-01"); got != before {
		t.Fatalf("expected stock restored to %d, got %d", before, got)
	}

	// Second cancel is a no-op, not a second restock.
	again, err := svc.CancelOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
	if again.OrderStatus != domain.OrderStatusCancelled {
		t.Fatalf("expected order to stay cancelled, got %s", again.OrderStatus)
	}
	if got := stockOf(t, svc, "prd-mie-01"); got != before {
		t.Fatalf("expected stock unchanged at %d after repeat cancel, got %d", before, got)
	}

	pay, err := svc.GetOrderPayment(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}
	if pay.Status != domain.PayStatusCancelled {
		t.Fatalf("expected pending payment cancelled, got %s", pay.Status)
	}
}

func TestNonSuccessWebhookRecordsOutcomeOnly(t *testing.T) {
	svc, _ := newTestService()

	before := stockOf(t, svc, "prd-mie-01")
	result := mustCreateOrder(t, svc, 4)
	pay, err := svc.GetOrderPayment(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}

	updated, err := svc.HandleWebhook(context.Background(), domain.WebhookNotification{
		TransactionID:     pay.TransactionID,
		TransactionStatus: "expire",
	})
	if err != nil {
		t.Fatalf("expire webhook failed: %v", err)
	}
	if updated.Status != domain.PayStatusExpired {
		t.Fatalf("expected expired payment, got %s", updated.Status)
	}

	// Only the payment changes: the order keeps its status and its reservation.
	order, err := svc.GetOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.OrderStatus != domain.OrderStatusPending {
		t.Fatalf("expected order to stay pending, got %s", order.OrderStatus)
	}
	if order.StockState != domain.StockStateReserved {
		t.Fatalf("expected stock to stay reserved, got %s", order.StockState)
	}
	if got := stockOf(t, svc, "prd-mie-01"); got != before-4 {
		t.Fatalf("expected reservation to stay held (%d), got %d", before-4, got)
	}

	// Releasing the reservation takes an explicit cancel.
	cancelled, err := svc.CancelOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.StockState != domain.StockStateReleased {
		t.Fatalf("expected stock released after cancel, got %s", cancelled.StockState)
	}
	if got := stockOf(t, svc, "prd-mie-01"); got != before {
		t.Fatalf("expected stock restored to %d, got %d", before, got)
	}
}

func TestFraudDenyMapsToFailed(t *testing.T) {
	svc, _ := newTestService()

	result := mustCreateOrder(t, svc, 1)
	pay, err := svc.GetOrderPayment(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}

	updated, err := svc.HandleWebhook(context.Background(), domain.WebhookNotification{
		TransactionID:     pay.TransactionID,
		TransactionStatus: "capture",
		FraudStatus:       "deny",
	})
	if err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	if updated.Status != domain.PayStatusFailed {
		t.Fatalf("expected fraud deny to fail the payment, got %s", updated.Status)
	}

	order, err := svc.GetOrder(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.OrderStatus != domain.OrderStatusPending {
		t.Fatalf("expected order untouched by failed payment, got %s", order.OrderStatus)
	}
}

func TestManualConfirmRequiresAdminToMarkPaid(t *testing.T) {
	svc, _ := newTestService()
	result := mustCreateOrder(t, svc, 1)

	_, err := svc.ManualConfirm(cashierCtx(), result.Order.ID, domain.ManualConfirmRequest{
		QRScanned:   true,
		ConfirmPaid: true,
	})
	if err == nil {
		t.Fatalf("expected cashier confirm_paid to be rejected")
	}

	// Annotation without confirmation is open to any staff.
	annotated, err := svc.ManualConfirm(cashierCtx(), result.Order.ID, domain.ManualConfirmRequest{
		QRScanned: true,
		Note:      "customer showed receipt",
	})
	if err != nil {
		t.Fatalf("annotate failed: %v", err)
	}
	if annotated.Status != domain.PayStatusPending {
		t.Fatalf("expected payment still pending, got %s", annotated.Status)
	}
	if annotated.CallbackData["qr_scanned"] != true {
		t.Fatalf("expected qr_scanned recorded in callback data")
	}

	confirmed, err := svc.ManualConfirm(adminCtx(), result.Order.ID, domain.ManualConfirmRequest{
		ConfirmPaid: true,
	})
	if err != nil {
		t.Fatalf("admin confirm failed: %v", err)
	}
	if confirmed.Status != domain.PayStatusSuccess {
		t.Fatalf("expected payment success, got %s", confirmed.Status)
	}
}

func TestOrderStatusForwardProgressionOnly(t *testing.T) {
	svc, _ := newTestService()
	result := mustCreateOrder(t, svc, 1)

	// pending -> ready skips processing and must be refused.
	_, err := svc.UpdateOrderStatus(adminCtx(), result.Order.ID, domain.OrderStatusReady)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}

	updated, err := svc.UpdateOrderStatus(adminCtx(), result.Order.ID, domain.OrderStatusProcessing)
	if err != nil {
		t.Fatalf("pending -> processing failed: %v", err)
	}
	if updated.OrderStatus != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", updated.OrderStatus)
	}
}

type recordingSettingsCache struct {
	setTTL time.Duration
}

func (c *recordingSettingsCache) Get(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (c *recordingSettingsCache) Set(_ context.Context, _ string, _ string, ttl time.Duration) error {
	c.setTTL = ttl
	return nil
}

func (c *recordingSettingsCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func TestSettingsCachedWithConfiguredTTL(t *testing.T) {
	repo := memory.NewSeeded()
	recorder := &recordingSettingsCache{}
	svc := New(repo, payment.NewSandboxGateway("Test Store"), nil, recorder, 10, 90*time.Second)

	if err := repo.SetSetting(context.Background(), "tax_rate_percent", "5"); err != nil {
		t.Fatalf("set setting failed: %v", err)
	}
	mustCreateOrder(t, svc, 1)

	if recorder.setTTL != 90*time.Second {
		t.Fatalf("expected configured cache ttl of 90s, got %s", recorder.setTTL)
	}
}

func TestTaxRateFromSettings(t *testing.T) {
	svc, repo := newTestService()

	if err := repo.SetSetting(context.Background(), "tax_rate_percent", "0"); err != nil {
		t.Fatalf("set setting failed: %v", err)
	}

	result := mustCreateOrder(t, svc, 2)
	if result.Order.TaxCents != 0 {
		t.Fatalf("expected zero tax with 0%% rate, got %d", result.Order.TaxCents)
	}
	if result.Order.TotalCents != result.Order.SubtotalCents {
		t.Fatalf("expected total equal to subtotal, got %d vs %d", result.Order.TotalCents, result.Order.SubtotalCents)
	}
}

func TestAdjustStockRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.AdjustStock(cashierCtx(), domain.StockAdjustRequest{ProductID: "prd-mie-01", Delta: 10})
	if err == nil {
		t.Fatalf("expected cashier stock adjust to be rejected")
	}

	before := stockOf(t, svc, "prd-mie-01")
	product, err := svc.AdjustStock(adminCtx(), domain.StockAdjustRequest{ProductID: "prd-mie-01", Delta: -10, Note: "damaged"})
	if err != nil {
		t.Fatalf("admin adjust failed: %v", err)
	}
	if product.StockQuantity != before-10 {
		t.Fatalf("expected stock %d, got %d", before-10, product.StockQuantity)
	}
}

func TestCreateProductWithInitialStock(t *testing.T) {
	svc, _ := newTestService()

	created, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name:         "Sikat Gigi",
		Category:     "household",
		PriceCents:   8500,
		InitialStock: 30,
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if created.StockQuantity != 30 {
		t.Fatalf("expected initial stock 30, got %d", created.StockQuantity)
	}

	movements, err := svc.ListStockMovements(context.Background(), created.ID, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 || movements[0].MovementType != domain.MovementIn {
		t.Fatalf("expected one 'in' movement for initial stock, got %+v", movements)
	}
}
