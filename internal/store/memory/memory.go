package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/store"
	"satukasir/backend/internal/xid"
)

// Store is the in-memory Repository used for dev/demo mode and tests. It
// mirrors the postgres semantics exactly: movement idempotency keys, stock
// state transitions and all-or-nothing multi-row mutations.
type Store struct {
	mu                   sync.RWMutex
	products             map[string]domain.Product
	movements            []domain.StockMovement
	movementKeys         map[string]bool
	ordersByID           map[string]*domain.Order
	paymentsByID         map[string]*domain.Payment
	paymentByOrder       map[string]string
	transactionsByID     map[string]*domain.Transaction
	transactionsByIdem   map[string]string
	transactionsBySource map[string]string
	customersByID        map[string]domain.Customer
	settings             map[string]string
	usersByUsername      map[string]domain.UserAccount
}

// seedUsers builds the initial user accounts for dev/demo mode. Credentials
// come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded dev
// defaults apply when unset, with a warning. Production runs on PostgreSQL.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			ID:        xid.New("usr"),
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prd-mie-01", Name: "Mie Goreng Instan", Category: "grocery", PriceCents: 3500, StockQuantity: 120, Active: true, CreatedAt: now},
		{ID: "prd-telur-01", Name: "Telur 10 Butir", Category: "grocery", PriceCents: 26500, StockQuantity: 40, Active: true, CreatedAt: now},
		{ID: "prd-susu-01", Name: "Susu UHT 1L", Category: "dairy", PriceCents: 18900, StockQuantity: 60, Active: true, CreatedAt: now},
		{ID: "prd-roti-01", Name: "Roti Tawar", Category: "bakery", PriceCents: 17800, StockQuantity: 25, Active: true, CreatedAt: now},
		{ID: "prd-kopi-01", Name: "Kopi Sachet", Category: "beverage", PriceCents: 2600, StockQuantity: 300, Active: true, CreatedAt: now},
		{ID: "prd-gula-01", Name: "Gula 1kg", Category: "grocery", PriceCents: 17400, StockQuantity: 50, Active: true, CreatedAt: now},
		{ID: "prd-teh-01", Name: "Teh Celup", Category: "beverage", PriceCents: 9800, StockQuantity: 80, Active: true, CreatedAt: now},
		{ID: "prd-air-01", Name: "Air Mineral 600ml", Category: "beverage", PriceCents: 3900, StockQuantity: 200, Active: true, CreatedAt: now},
		{ID: "prd-keripik-01", Name: "Keripik Singkong", Category: "snack", PriceCents: 12800, StockQuantity: 70, Active: true, CreatedAt: now},
		{ID: "prd-coklat-01", Name: "Coklat Batang", Category: "snack", PriceCents: 8600, StockQuantity: 90, Active: true, CreatedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Store{
		products:             productMap,
		movements:            make([]domain.StockMovement, 0, 64),
		movementKeys:         make(map[string]bool),
		ordersByID:           make(map[string]*domain.Order),
		paymentsByID:         make(map[string]*domain.Payment),
		paymentByOrder:       make(map[string]string),
		transactionsByID:     make(map[string]*domain.Transaction),
		transactionsByIdem:   make(map[string]string),
		transactionsBySource: make(map[string]string),
		customersByID:        make(map[string]domain.Customer),
		settings:             make(map[string]string),
		usersByUsername:      seedUsers(),
	}
}

func movementKey(productID string, referenceType string, referenceID string) string {
	return productID + "|" + referenceType + "|" + referenceID
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category != b.Category {
			return strings.Compare(a.Category, b.Category)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := p
	return &copied, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 1 || product.StockQuantity < 0 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrValidation
	}
	s.products[product.ID] = product
	copied := product
	return &copied, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.Name = product.Name
	existing.Category = product.Category
	existing.PriceCents = product.PriceCents
	existing.Active = product.Active
	s.products[product.ID] = existing
	copied := existing
	return &copied, nil
}

func (s *Store) ApplyStockMovement(_ context.Context, movement domain.StockMovement, signedDelta int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyMovementLocked(movement, signedDelta)
}

func (s *Store) applyMovementLocked(movement domain.StockMovement, signedDelta int) (bool, error) {
	key := movementKey(movement.ProductID, movement.ReferenceType, movement.ReferenceID)
	if s.movementKeys[key] {
		return false, nil
	}

	p, ok := s.products[movement.ProductID]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.StockQuantity+signedDelta < 0 {
		return false, store.ErrInsufficientStock
	}

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	p.StockQuantity += signedDelta
	s.products[movement.ProductID] = p
	s.movements = append(s.movements, movement)
	s.movementKeys[key] = true
	return true, nil
}

// applyMovementSetLocked validates the whole set before mutating anything so a
// mid-set failure cannot leave a partial application behind.
func (s *Store) applyMovementSetLocked(movements []domain.StockMovement, sign int) error {
	pending := make(map[string]int)
	for _, mv := range movements {
		key := movementKey(mv.ProductID, mv.ReferenceType, mv.ReferenceID)
		if s.movementKeys[key] {
			continue
		}
		p, ok := s.products[mv.ProductID]
		if !ok {
			return store.ErrNotFound
		}
		pending[mv.ProductID] += sign * mv.Quantity
		if p.StockQuantity+pending[mv.ProductID] < 0 {
			return store.ErrInsufficientStock
		}
	}
	for _, mv := range movements {
		if _, err := s.applyMovementLocked(mv, sign*mv.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(movements) < limit; i-- {
		mv := s.movements[i]
		if productID != "" && mv.ProductID != productID {
			continue
		}
		movements = append(movements, mv)
	}
	return movements, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, payment domain.Payment) (*domain.Order, error) {
	if len(order.Items) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range order.Items {
		p, ok := s.products[item.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if !p.Active {
			return nil, store.ErrValidation
		}
		if p.StockQuantity < item.Qty {
			return nil, store.ErrInsufficientStock
		}
	}

	savedOrder := cloneOrder(order)
	s.ordersByID[order.ID] = savedOrder
	savedPayment := clonePayment(payment)
	s.paymentsByID[payment.ID] = savedPayment
	s.paymentByOrder[order.ID] = payment.ID

	copied := cloneOrder(order)
	return copied, nil
}

func (s *Store) GetOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(*o), nil
}

func (s *Store) GetOrderByNumber(_ context.Context, number string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.ordersByID {
		if o.OrderNumber == number {
			return cloneOrder(*o), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListOrders(_ context.Context, status string, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, limit)
	for _, o := range s.ordersByID {
		if status != "" && o.OrderStatus != status {
			continue
		}
		orders = append(orders, *cloneOrder(*o))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) ListPaidOrdersForSync(_ context.Context, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	syncable := map[string]bool{
		domain.OrderStatusProcessing: true,
		domain.OrderStatusReady:      true,
		domain.OrderStatusCompleted:  true,
	}
	orders := make([]domain.Order, 0, limit)
	for _, o := range s.ordersByID {
		if o.PaymentStatus != domain.PaymentStatusPaid || !syncable[o.OrderStatus] {
			continue
		}
		orders = append(orders, *cloneOrder(*o))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return paidTime(b).Compare(paidTime(a))
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func paidTime(o domain.Order) time.Time {
	if o.PaidAt != nil {
		return *o.PaidAt
	}
	return o.CreatedAt
}

var orderStatusNext = map[string]string{
	domain.OrderStatusPending:    domain.OrderStatusProcessing,
	domain.OrderStatusProcessing: domain.OrderStatusReady,
	domain.OrderStatusReady:      domain.OrderStatusCompleted,
}

func (s *Store) UpdateOrderStatus(_ context.Context, id string, status string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if orderStatusNext[o.OrderStatus] != status {
		return nil, fmt.Errorf("%w: order %s -> %s", store.ErrInvalidTransition, o.OrderStatus, status)
	}
	o.OrderStatus = status
	return cloneOrder(*o), nil
}

func (s *Store) ReserveOrderStock(_ context.Context, orderID string, deductions []domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	switch o.StockState {
	case domain.StockStateReserved, domain.StockStateCommitted:
		return nil
	case domain.StockStateReleased:
		return fmt.Errorf("%w: stock already released for order %s", store.ErrInvalidTransition, orderID)
	}
	if o.OrderStatus == domain.OrderStatusCancelled {
		return fmt.Errorf("%w: order %s is cancelled", store.ErrInvalidTransition, orderID)
	}

	if err := s.applyMovementSetLocked(deductions, -1); err != nil {
		return err
	}
	o.StockState = domain.StockStateReserved
	return nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string, restock []domain.StockMovement) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if o.OrderStatus == domain.OrderStatusCancelled {
		return cloneOrder(*o), nil
	}
	if o.OrderStatus == domain.OrderStatusCompleted {
		return nil, fmt.Errorf("%w: order %s is completed", store.ErrInvalidTransition, orderID)
	}

	if o.StockState == domain.StockStateReserved || o.StockState == domain.StockStateCommitted {
		if err := s.applyMovementSetLocked(restock, 1); err != nil {
			return nil, err
		}
		o.StockState = domain.StockStateReleased
	}
	o.OrderStatus = domain.OrderStatusCancelled

	if payID, ok := s.paymentByOrder[orderID]; ok {
		if pay := s.paymentsByID[payID]; pay.Status == domain.PayStatusPending {
			pay.Status = domain.PayStatusCancelled
		}
	}
	return cloneOrder(*o), nil
}

func (s *Store) GetPaymentByID(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.paymentsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePayment(*p), nil
}

func (s *Store) GetPaymentByOrderID(_ context.Context, orderID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payID, ok := s.paymentByOrder[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePayment(*s.paymentsByID[payID]), nil
}

func (s *Store) FindPaymentByReference(_ context.Context, ref string) (*domain.Payment, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.paymentsByID {
		if p.TransactionID == ref || p.OrderID == ref {
			return clonePayment(*p), nil
		}
	}
	for _, o := range s.ordersByID {
		if o.OrderNumber == ref {
			if payID, ok := s.paymentByOrder[o.ID]; ok {
				return clonePayment(*s.paymentsByID[payID]), nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdatePaymentMeta(_ context.Context, paymentID string, externalID string, callbackData map[string]any) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paymentsByID[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if externalID != "" {
		p.TransactionID = externalID
		if o, ok := s.ordersByID[p.OrderID]; ok {
			o.PaymentReference = externalID
		}
	}
	mergeCallbackData(p, callbackData)
	return clonePayment(*p), nil
}

func (s *Store) RecordPaymentOutcome(_ context.Context, paymentID string, status string, externalID string, callbackData map[string]any) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paymentsByID[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Status == status {
		return clonePayment(*p), nil
	}
	if p.Status != domain.PayStatusPending {
		return nil, fmt.Errorf("%w: payment %s -> %s", store.ErrInvalidTransition, p.Status, status)
	}

	p.Status = status
	if externalID != "" {
		p.TransactionID = externalID
	}
	mergeCallbackData(p, callbackData)
	return clonePayment(*p), nil
}

func (s *Store) MarkPaymentSucceeded(_ context.Context, paymentID string, externalID string, callbackData map[string]any, deductions []domain.StockMovement, paidAt time.Time) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paymentsByID[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Status == domain.PayStatusSuccess {
		return clonePayment(*p), nil
	}
	if p.Status != domain.PayStatusPending {
		return nil, fmt.Errorf("%w: payment %s -> success", store.ErrInvalidTransition, p.Status)
	}

	o, ok := s.ordersByID[p.OrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if o.OrderStatus == domain.OrderStatusCancelled {
		return nil, fmt.Errorf("%w: order %s is cancelled", store.ErrInvalidTransition, o.ID)
	}

	if err := s.applyMovementSetLocked(deductions, -1); err != nil {
		return nil, err
	}

	p.Status = domain.PayStatusSuccess
	if externalID != "" {
		p.TransactionID = externalID
	}
	mergeCallbackData(p, callbackData)
	at := paidAt
	p.PaidAt = &at

	o.PaymentStatus = domain.PaymentStatusPaid
	if externalID != "" {
		o.PaymentReference = externalID
	}
	// A paid order enters the fulfilment queue.
	if o.OrderStatus == domain.OrderStatusPending {
		o.OrderStatus = domain.OrderStatusProcessing
	}
	o.StockState = domain.StockStateCommitted
	orderPaidAt := paidAt
	o.PaidAt = &orderPaidAt

	return clonePayment(*p), nil
}

func (s *Store) CreateCheckout(_ context.Context, tx domain.Transaction, deductions []domain.StockMovement) (*domain.Transaction, error) {
	if len(tx.Items) == 0 || tx.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.transactionsByIdem[tx.IdempotencyKey]; ok {
		return cloneTransaction(*s.transactionsByID[existingID]), nil
	}

	if err := s.applyMovementSetLocked(deductions, -1); err != nil {
		return nil, err
	}

	saved := cloneTransaction(tx)
	s.transactionsByID[tx.ID] = saved
	s.transactionsByIdem[tx.IdempotencyKey] = tx.ID
	return cloneTransaction(tx), nil
}

func (s *Store) CreateSyncedTransaction(_ context.Context, tx domain.Transaction) (bool, *domain.Transaction, error) {
	if tx.SourceOrderID == "" {
		return false, nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.transactionsBySource[tx.SourceOrderID]; ok {
		return false, cloneTransaction(*s.transactionsByID[existingID]), nil
	}

	saved := cloneTransaction(tx)
	s.transactionsByID[tx.ID] = saved
	s.transactionsBySource[tx.SourceOrderID] = tx.ID
	if tx.IdempotencyKey != "" {
		s.transactionsByIdem[tx.IdempotencyKey] = tx.ID
	}
	return true, cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	if strings.TrimSpace(key) == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(*s.transactionsByID[id]), nil
}

func (s *Store) GetTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(*t), nil
}

func (s *Store) ListTransactions(_ context.Context, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := make([]domain.Transaction, 0, limit)
	for _, t := range s.transactionsByID {
		txs = append(txs, *cloneTransaction(*t))
	}
	slices.SortFunc(txs, func(a, b domain.Transaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (s *Store) FindTransactionForOrder(_ context.Context, paymentReference string, orderID string, orderNumber string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if paymentReference != "" {
		for _, t := range s.transactionsByID {
			if t.PaymentReference == paymentReference {
				return cloneTransaction(*t), nil
			}
		}
	}
	if orderID != "" {
		if id, ok := s.transactionsBySource[orderID]; ok {
			return cloneTransaction(*s.transactionsByID[id]), nil
		}
	}
	if orderNumber != "" {
		prefix := "Order " + orderNumber
		for _, t := range s.transactionsByID {
			if strings.HasPrefix(t.Notes, prefix) {
				return cloneTransaction(*t), nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RefundTransaction(ctx context.Context, id string, restock []domain.StockMovement, at time.Time) (*domain.Transaction, error) {
	return s.reverseTransaction(ctx, id, restock, domain.TxStatusRefunded)
}

func (s *Store) CancelTransaction(ctx context.Context, id string, restock []domain.StockMovement, at time.Time) (*domain.Transaction, error) {
	return s.reverseTransaction(ctx, id, restock, domain.TxStatusCancelled)
}

func (s *Store) reverseTransaction(_ context.Context, id string, restock []domain.StockMovement, newStatus string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status == newStatus {
		return cloneTransaction(*t), nil
	}
	if t.Status != domain.TxStatusCompleted {
		return nil, fmt.Errorf("%w: transaction %s -> %s", store.ErrInvalidTransition, t.Status, newStatus)
	}

	if err := s.applyMovementSetLocked(restock, 1); err != nil {
		return nil, err
	}
	t.Status = newStatus
	return cloneTransaction(*t), nil
}

func (s *Store) GetTransactionStats(_ context.Context, from time.Time, to time.Time) (domain.TransactionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.TransactionStats{Date: from.UTC().Format("2006-01-02")}
	for _, t := range s.transactionsByID {
		if t.Status != domain.TxStatusCompleted {
			continue
		}
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		stats.Transactions++
		stats.GrossCents += t.TotalCents
		if t.SourceOrderID != "" {
			stats.Synced++
		}
	}
	return stats, nil
}

func (s *Store) FindCustomerByContact(_ context.Context, phone string, email string) (*domain.Customer, error) {
	if strings.TrimSpace(phone) == "" && strings.TrimSpace(email) == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customersByID {
		if (phone != "" && c.Phone == phone) || (email != "" && c.Email == email) {
			copied := c
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" {
		return nil, store.ErrValidation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.customersByID[customer.ID] = customer
	copied := customer
	return &copied, nil
}

func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.settings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return value, nil
}

func (s *Store) SetSetting(_ context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrValidation
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return nil
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.usersByUsername[username] = u
	return nil
}

func mergeCallbackData(p *domain.Payment, incoming map[string]any) {
	if len(incoming) == 0 {
		return
	}
	if p.CallbackData == nil {
		p.CallbackData = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		p.CallbackData[k] = v
	}
}

func cloneOrder(o domain.Order) *domain.Order {
	copied := o
	copied.Items = slices.Clone(o.Items)
	if o.PaidAt != nil {
		t := *o.PaidAt
		copied.PaidAt = &t
	}
	return &copied
}

func clonePayment(p domain.Payment) *domain.Payment {
	copied := p
	if p.CallbackData != nil {
		copied.CallbackData = make(map[string]any, len(p.CallbackData))
		for k, v := range p.CallbackData {
			copied.CallbackData[k] = v
		}
	}
	if p.PaidAt != nil {
		t := *p.PaidAt
		copied.PaidAt = &t
	}
	return &copied
}

func cloneTransaction(t domain.Transaction) *domain.Transaction {
	copied := t
	copied.Items = slices.Clone(t.Items)
	return &copied
}
