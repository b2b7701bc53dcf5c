package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"satukasir/backend/internal/cache"
	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/ledger"
	"satukasir/backend/internal/notify"
	"satukasir/backend/internal/payment"
	"satukasir/backend/internal/store"
	"satukasir/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const settingTaxRate = "tax_rate_percent"

type Service struct {
	repo           store.Repository
	ledger         *ledger.Ledger
	payments       *payment.Machine
	gateway        payment.Gateway
	notifier       notify.Notifier
	settings       cache.SettingsCache
	defaultTaxRate int
	settingsTTL    time.Duration
}

func New(repo store.Repository, gateway payment.Gateway, notifier notify.Notifier, settings cache.SettingsCache, defaultTaxRate int, settingsTTL time.Duration) *Service {
	if defaultTaxRate < 0 || defaultTaxRate > 100 {
		defaultTaxRate = 10
	}
	if settingsTTL <= 0 {
		settingsTTL = time.Minute
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if settings == nil {
		settings = cache.NoopSettingsCache{}
	}

	return &Service{
		repo:           repo,
		ledger:         ledger.New(repo),
		payments:       payment.NewMachine(repo),
		gateway:        gateway,
		notifier:       notifier,
		settings:       settings,
		defaultTaxRate: defaultTaxRate,
		settingsTTL:    settingsTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrValidation
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Active:     true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		_, err := s.ledger.Adjust(ctx, created.ID, req.InitialStock, domain.MovementIn, domain.RefManual, xid.New("adj"), actor.Username, "initial stock")
		if err != nil {
			return domain.Product{}, err
		}
		created.StockQuantity = req.InitialStock
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.PriceCents, req.InitialStock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if req.Name != nil {
		existing.Name = strings.TrimSpace(*req.Name)
	}
	if req.Category != nil {
		existing.Category = strings.TrimSpace(*req.Category)
	}
	if req.PriceCents != nil {
		existing.PriceCents = *req.PriceCents
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, *existing)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.PriceCents))
	return *saved, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	return s.ledger.Movements(ctx, productID, limit)
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if req.ProductID == "" || req.Delta == 0 {
		return domain.Product{}, store.ErrValidation
	}

	_, err := s.ledger.Adjust(ctx, req.ProductID, req.Delta, domain.MovementAdjustment, domain.RefManual, xid.New("adj"), actor.Username, strings.TrimSpace(req.Note))
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "stock_adjust", "product", req.ProductID, fmt.Sprintf("delta=%d,note=%s", req.Delta, req.Note))
	return s.GetProduct(ctx, req.ProductID)
}

// OrderResult bundles the stored order with the gateway instructions generated
// for it. Instructions may be nil when generation failed; the order is still
// valid and payable after a retry.
type OrderResult struct {
	Order        domain.Order                `json:"order"`
	Instructions *domain.PaymentInstructions `json:"payment_instructions,omitempty"`
}

func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (OrderResult, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))

	if req.CustomerName == "" || req.CustomerPhone == "" || len(req.Items) == 0 {
		return OrderResult{}, store.ErrValidation
	}
	if req.PaymentMethod != "qris" && req.PaymentMethod != "bank_transfer" {
		return OrderResult{}, store.ErrValidation
	}

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" || item.Qty < 1 {
			return OrderResult{}, store.ErrValidation
		}
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return OrderResult{}, err
	}

	now := time.Now().UTC()
	items := make([]domain.OrderItem, 0, len(req.Items))
	subtotal := int64(0)
	for _, input := range req.Items {
		p, ok := products[input.ProductID]
		if !ok || !p.Active {
			return OrderResult{}, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, input.ProductID)
		}
		if p.StockQuantity < input.Qty {
			return OrderResult{}, store.ErrInsufficientStock
		}
		lineTotal := p.PriceCents * int64(input.Qty)
		items = append(items, domain.OrderItem{
			ProductID:       p.ID,
			ProductName:     p.Name,
			Qty:             input.Qty,
			UnitPriceCents:  p.PriceCents,
			TotalPriceCents: lineTotal,
		})
		subtotal += lineTotal
	}

	taxRate, err := s.taxRatePercent(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	taxCents := int64(math.Round(float64(subtotal) * float64(taxRate) / 100))

	order := domain.Order{
		ID:            xid.New("ord"),
		OrderNumber:   xid.Number("ORD", now),
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		PaymentStatus: domain.PaymentStatusPending,
		OrderStatus:   domain.OrderStatusPending,
		StockState:    domain.StockStateNone,
		SubtotalCents: subtotal,
		TaxCents:      taxCents,
		TotalCents:    subtotal + taxCents,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     now,
		Items:         items,
	}
	pay := domain.Payment{
		ID:          xid.New("pay"),
		OrderID:     order.ID,
		Status:      domain.PayStatusPending,
		Method:      req.PaymentMethod,
		AmountCents: order.TotalCents,
		CreatedAt:   now,
	}

	saved, err := s.repo.CreateOrder(ctx, order, pay)
	if err != nil {
		return OrderResult{}, err
	}

	// Reservation and instruction generation are side effects of an already
	// valid order: failures are logged and retryable, never fatal.
	deductions := ledger.Deductions(domain.RefOrder, saved.ID, saved.Items)
	if err := s.repo.ReserveOrderStock(ctx, saved.ID, deductions); err != nil {
		log.Printf("[service] ERROR reserve stock order=%s: %v (retry via reservation endpoint)", saved.ID, err)
	} else {
		saved.StockState = domain.StockStateReserved
	}

	var instructions *domain.PaymentInstructions
	if s.gateway != nil {
		instructions, err = s.gateway.CreateInstructions(ctx, saved)
		if err != nil {
			log.Printf("[service] WARN payment instructions order=%s: %v", saved.ID, err)
			instructions = nil
		} else {
			_, err = s.repo.UpdatePaymentMeta(ctx, pay.ID, instructions.TransactionID, map[string]any{
				"instructions": instructions,
			})
			if err != nil {
				log.Printf("[service] WARN store payment instructions order=%s: %v", saved.ID, err)
			}
		}
	}

	s.notifier.OrderCreated(ctx, saved)
	s.logAudit(ctx, "order_create", "order", saved.ID, fmt.Sprintf("number=%s,total=%d", saved.OrderNumber, saved.TotalCents))
	return OrderResult{Order: *saved, Instructions: instructions}, nil
}

// GetOrder resolves by internal id first, then by the public order number.
func (s *Service) GetOrder(ctx context.Context, ref string) (domain.Order, error) {
	o, err := s.repo.GetOrderByID(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		o, err = s.repo.GetOrderByNumber(ctx, ref)
	}
	if err != nil {
		return domain.Order{}, err
	}
	return *o, nil
}

func (s *Service) ListOrders(ctx context.Context, status string, limit int) ([]domain.Order, error) {
	return s.repo.ListOrders(ctx, status, limit)
}

func (s *Service) CancelOrder(ctx context.Context, ref string) (domain.Order, error) {
	order, err := s.GetOrder(ctx, ref)
	if err != nil {
		return domain.Order{}, err
	}

	restock := ledger.Restock(domain.MovementIn, domain.RefOrderCancel, order.ID, order.Items)
	cancelled, err := s.repo.CancelOrder(ctx, order.ID, restock)
	if err != nil {
		return domain.Order{}, err
	}
	if cancelled.OrderStatus == domain.OrderStatusCancelled && order.OrderStatus != domain.OrderStatusCancelled {
		s.notifier.OrderStatusChanged(ctx, cancelled, order.OrderStatus)
		s.logAudit(ctx, "order_cancel", "order", cancelled.ID, "cancelled")
	}
	return *cancelled, nil
}

func (s *Service) UpdateOrderStatus(ctx context.Context, ref string, status string) (domain.Order, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.Order{}, fmt.Errorf("authentication required")
	}

	order, err := s.GetOrder(ctx, ref)
	if err != nil {
		return domain.Order{}, err
	}
	updated, err := s.repo.UpdateOrderStatus(ctx, order.ID, status)
	if err != nil {
		return domain.Order{}, err
	}

	s.notifier.OrderStatusChanged(ctx, updated, order.OrderStatus)
	s.logAudit(ctx, "order_status", "order", updated.ID, fmt.Sprintf("%s->%s", order.OrderStatus, status))
	return *updated, nil
}

// RetryReservation re-runs the creation-time stock reservation for orders
// whose reservation failed. Safe to call repeatedly.
func (s *Service) RetryReservation(ctx context.Context, ref string) (domain.Order, error) {
	order, err := s.GetOrder(ctx, ref)
	if err != nil {
		return domain.Order{}, err
	}
	deductions := ledger.Deductions(domain.RefOrder, order.ID, order.Items)
	if err := s.repo.ReserveOrderStock(ctx, order.ID, deductions); err != nil {
		return domain.Order{}, err
	}
	return s.GetOrder(ctx, order.ID)
}

func (s *Service) GetOrderPayment(ctx context.Context, ref string) (domain.Payment, error) {
	order, err := s.GetOrder(ctx, ref)
	if err != nil {
		return domain.Payment{}, err
	}
	pay, err := s.repo.GetPaymentByOrderID(ctx, order.ID)
	if err != nil {
		return domain.Payment{}, err
	}
	return *pay, nil
}

// HandleWebhook processes a gateway callback. Redelivered and late callbacks
// are acknowledged without effect so the gateway stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, notif domain.WebhookNotification) (domain.Payment, error) {
	ref := notif.TransactionID
	if ref == "" {
		ref = notif.OrderID
	}
	pay, err := s.repo.FindPaymentByReference(ctx, ref)
	if err != nil {
		return domain.Payment{}, err
	}

	raw := notif.TransactionStatus
	if raw == "" {
		raw = notif.Status
	}
	mapped := payment.MapGatewayStatus(raw)
	if notif.FraudStatus == "deny" {
		mapped = domain.PayStatusFailed
	}

	callbackData := map[string]any{
		"transaction_status": raw,
		"received_at":        time.Now().UTC().Format(time.RFC3339),
	}
	if notif.FraudStatus != "" {
		callbackData["fraud_status"] = notif.FraudStatus
	}
	if notif.GrossAmount != "" {
		callbackData["gross_amount"] = notif.GrossAmount
	}

	updated, changed, err := s.payments.Transition(ctx, pay.ID, mapped, notif.TransactionID, callbackData)
	if err != nil {
		return domain.Payment{}, err
	}
	if !changed {
		return *updated, nil
	}

	if mapped == domain.PayStatusSuccess {
		if order, err := s.repo.GetOrderByID(ctx, updated.OrderID); err == nil {
			s.notifier.PaymentReceived(ctx, order, updated)
		}
		s.logAudit(ctx, "payment_success", "payment", updated.ID, "via webhook")
		return *updated, nil
	}

	// Non-success outcomes only record the payment status. The order and its
	// reservation are untouched until a customer or staff cancel.
	s.logAudit(ctx, "payment_"+mapped, "payment", updated.ID, "via webhook")
	return *updated, nil
}

// ManualConfirm records a manual payment check on the order's payment. Only
// admins may flip the payment to success; other callers can only annotate.
func (s *Service) ManualConfirm(ctx context.Context, ref string, req domain.ManualConfirmRequest) (domain.Payment, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Payment{}, fmt.Errorf("authentication required")
	}

	order, err := s.GetOrder(ctx, ref)
	if err != nil {
		return domain.Payment{}, err
	}
	pay, err := s.repo.GetPaymentByOrderID(ctx, order.ID)
	if err != nil {
		return domain.Payment{}, err
	}

	callbackData := map[string]any{
		"manual_check_by": actor.Username,
		"manual_check_at": time.Now().UTC().Format(time.RFC3339),
	}
	if req.QRScanned {
		callbackData["qr_scanned"] = true
	}
	if req.TransferReceived {
		callbackData["transfer_received"] = true
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		callbackData["manual_note"] = note
	}

	if !req.ConfirmPaid {
		updated, err := s.repo.UpdatePaymentMeta(ctx, pay.ID, "", callbackData)
		if err != nil {
			return domain.Payment{}, err
		}
		return *updated, nil
	}

	if actor.Role != "admin" {
		return domain.Payment{}, fmt.Errorf("admin role required")
	}
	updated, changed, err := s.payments.Transition(ctx, pay.ID, domain.PayStatusSuccess, "", callbackData)
	if err != nil {
		return domain.Payment{}, err
	}
	if changed {
		if o, err := s.repo.GetOrderByID(ctx, order.ID); err == nil {
			s.notifier.PaymentReceived(ctx, o, updated)
		}
		s.logAudit(ctx, "payment_success", "payment", updated.ID, "manual confirmation")
	}
	return *updated, nil
}

func (s *Service) taxRatePercent(ctx context.Context) (int, error) {
	if cached, ok, err := s.settings.Get(ctx, settingTaxRate); err == nil && ok {
		if rate, err := strconv.Atoi(cached); err == nil {
			return rate, nil
		}
	}

	value, err := s.repo.GetSetting(ctx, settingTaxRate)
	if errors.Is(err, store.ErrNotFound) {
		return s.defaultTaxRate, nil
	}
	if err != nil {
		return 0, err
	}
	rate, err := strconv.Atoi(value)
	if err != nil || rate < 0 || rate > 100 {
		return s.defaultTaxRate, nil
	}
	if err := s.settings.Set(ctx, settingTaxRate, value, s.settingsTTL); err != nil {
		log.Printf("[service] WARN cache setting %s: %v", settingTaxRate, err)
	}
	return rate, nil
}

func (s *Service) GetSetting(ctx context.Context, key string) (domain.Setting, error) {
	value, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		return domain.Setting{}, err
	}
	return domain.Setting{Key: key, Value: value}, nil
}

func (s *Service) UpdateSetting(ctx context.Context, key string, value string) (domain.Setting, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Setting{}, fmt.Errorf("admin role required")
	}
	if err := s.repo.SetSetting(ctx, key, value); err != nil {
		return domain.Setting{}, err
	}
	if err := s.settings.Invalidate(ctx, key); err != nil {
		log.Printf("[service] WARN invalidate setting %s: %v", key, err)
	}
	s.logAudit(ctx, "setting_update", "setting", key, value)
	return domain.Setting{Key: key, Value: value}, nil
}

// logAudit writes an operator-facing audit line. Audit output never fails the
// operation it describes.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	log.Printf("[audit] actor=%s role=%s action=%s entity=%s/%s detail=%s", actor.Username, actor.Role, action, entityType, entityID, detail)
}
