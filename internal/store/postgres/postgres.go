package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/store"
	"satukasir/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, stock_quantity, active, created_at
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.StockQuantity, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price_cents, stock_quantity, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.StockQuantity, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, stock_quantity, active, created_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.StockQuantity, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, stock_quantity, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, product.ID, product.Name, product.Category, product.PriceCents, product.StockQuantity, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, active = $5, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.PriceCents, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProductByID(ctx, product.ID)
}

func (s *Store) ApplyStockMovement(ctx context.Context, movement domain.StockMovement, signedDelta int) (bool, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	applied, err := applyMovementTx(ctx, pgTx, movement, signedDelta)
	if err != nil {
		return false, err
	}
	if err := pgTx.Commit(); err != nil {
		return false, err
	}
	return applied, nil
}

// applyMovementTx inserts the ledger row and shifts stock inside the caller's
// transaction. The unique index on (product_id, reference_type, reference_id)
// makes redelivered events lose the insert and report applied=false.
func applyMovementTx(ctx context.Context, pgTx *sql.Tx, movement domain.StockMovement, signedDelta int) (bool, error) {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	res, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, movement_type, quantity, reference_type, reference_id, actor_id, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (product_id, reference_type, reference_id) DO NOTHING
	`, movement.ID, movement.ProductID, movement.MovementType, movement.Quantity,
		movement.ReferenceType, movement.ReferenceID, nullIfEmpty(movement.ActorID),
		strings.TrimSpace(movement.Note), movement.CreatedAt)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	res, err = pgTx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1 AND stock_quantity + $2 >= 0
	`, movement.ProductID, signedDelta)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, store.ErrInsufficientStock
	}

	return true, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, movement_type, quantity, reference_type, reference_id, actor_id, note, created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		var actorID sql.NullString
		if err := rows.Scan(&m.ID, &m.ProductID, &m.MovementType, &m.Quantity, &m.ReferenceType, &m.ReferenceID, &actorID, &m.Note, &m.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			m.ActorID = actorID.String
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, payment domain.Payment) (*domain.Order, error) {
	if len(order.Items) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Availability check under row locks; the actual deduction happens in
	// ReserveOrderStock so a failed reservation can be retried on its own.
	for _, item := range order.Items {
		var stock int
		var active bool
		err := pgTx.QueryRowContext(ctx, `
			SELECT stock_quantity, active FROM products WHERE id = $1 FOR UPDATE
		`, item.ProductID).Scan(&stock, &active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if !active {
			return nil, store.ErrValidation
		}
		if stock < item.Qty {
			return nil, store.ErrInsufficientStock
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, customer_name, customer_phone, customer_email,
			payment_status, order_status, stock_state, subtotal_cents, tax_cents,
			total_cents, payment_method, payment_reference, created_at, paid_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, order.ID, order.OrderNumber, order.CustomerName, order.CustomerPhone, nullIfEmpty(order.CustomerEmail),
		order.PaymentStatus, order.OrderStatus, order.StockState, order.SubtotalCents, order.TaxCents,
		order.TotalCents, order.PaymentMethod, nullIfEmpty(order.PaymentReference), order.CreatedAt, nullTime(order.PaidAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	for _, item := range order.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, qty, unit_price_cents, total_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, order.ID, item.ProductID, item.ProductName, item.Qty, item.UnitPriceCents, item.TotalPriceCents)
		if err != nil {
			return nil, err
		}
	}

	callbackData, err := marshalCallbackData(payment.CallbackData)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, status, method, amount_cents, transaction_id, callback_data, created_at, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, payment.ID, order.ID, payment.Status, payment.Method, payment.AmountCents,
		nullIfEmpty(payment.TransactionID), callbackData, payment.CreatedAt, nullTime(payment.PaidAt))
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := order
	return &created, nil
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return s.getOrder(ctx, `WHERE id = $1`, id)
}

func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return s.getOrder(ctx, `WHERE order_number = $1`, number)
}

func (s *Store) getOrder(ctx context.Context, where string, arg any) (*domain.Order, error) {
	var o domain.Order
	var email, ref sql.NullString
	var paidAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, customer_name, customer_phone, customer_email,
			payment_status, order_status, stock_state, subtotal_cents, tax_cents,
			total_cents, payment_method, payment_reference, created_at, paid_at
		FROM orders
	`+where, arg).Scan(&o.ID, &o.OrderNumber, &o.CustomerName, &o.CustomerPhone, &email,
		&o.PaymentStatus, &o.OrderStatus, &o.StockState, &o.SubtotalCents, &o.TaxCents,
		&o.TotalCents, &o.PaymentMethod, &ref, &o.CreatedAt, &paidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if email.Valid {
		o.CustomerEmail = email.String
	}
	if ref.Valid {
		o.PaymentReference = ref.String
	}
	o.CreatedAt = o.CreatedAt.UTC()
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		o.PaidAt = &t
	}

	items, err := s.loadOrderItems(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func (s *Store) loadOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, qty, unit_price_cents, total_price_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Qty, &item.UnitPriceCents, &item.TotalPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListOrders(ctx context.Context, status string, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 50
	}
	return s.listOrders(ctx, `
		SELECT id FROM orders
		WHERE ($1 = '' OR order_status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
}

func (s *Store) ListPaidOrdersForSync(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 200
	}
	return s.listOrders(ctx, `
		SELECT id FROM orders
		WHERE ($1 = '' OR payment_status = $1)
			AND order_status IN ('processing', 'ready', 'completed')
		ORDER BY COALESCE(paid_at, created_at) DESC
		LIMIT $2
	`, domain.PaymentStatusPaid, limit)
}

func (s *Store) listOrders(ctx context.Context, query string, status string, limit int) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// orderStatusNext holds the forward progression of fulfillment statuses.
// Cancellation goes through CancelOrder, never through here.
var orderStatusNext = map[string]string{
	domain.OrderStatusPending:    domain.OrderStatusProcessing,
	domain.OrderStatusProcessing: domain.OrderStatusReady,
	domain.OrderStatusReady:      domain.OrderStatusCompleted,
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status string) (*domain.Order, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current string
	err = pgTx.QueryRowContext(ctx, `
		SELECT order_status FROM orders WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if orderStatusNext[current] != status {
		return nil, fmt.Errorf("%w: order %s -> %s", store.ErrInvalidTransition, current, status)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE orders SET order_status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return s.GetOrderByID(ctx, id)
}

func (s *Store) ReserveOrderStock(ctx context.Context, orderID string, deductions []domain.StockMovement) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var stockState, orderStatus string
	err = pgTx.QueryRowContext(ctx, `
		SELECT stock_state, order_status FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&stockState, &orderStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	switch stockState {
	case domain.StockStateReserved, domain.StockStateCommitted:
		return pgTx.Commit()
	case domain.StockStateReleased:
		return fmt.Errorf("%w: stock already released for order %s", store.ErrInvalidTransition, orderID)
	}
	if orderStatus == domain.OrderStatusCancelled {
		return fmt.Errorf("%w: order %s is cancelled", store.ErrInvalidTransition, orderID)
	}

	for _, mv := range deductions {
		if _, err := applyMovementTx(ctx, pgTx, mv, -mv.Quantity); err != nil {
			return err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE orders SET stock_state = $2, updated_at = now() WHERE id = $1
	`, orderID, domain.StockStateReserved)
	if err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) CancelOrder(ctx context.Context, orderID string, restock []domain.StockMovement) (*domain.Order, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var orderStatus, stockState string
	err = pgTx.QueryRowContext(ctx, `
		SELECT order_status, stock_state FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&orderStatus, &stockState)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if orderStatus == domain.OrderStatusCancelled {
		_ = pgTx.Rollback()
		return s.GetOrderByID(ctx, orderID)
	}
	if orderStatus == domain.OrderStatusCompleted {
		return nil, fmt.Errorf("%w: order %s is completed", store.ErrInvalidTransition, orderID)
	}

	if stockState == domain.StockStateReserved || stockState == domain.StockStateCommitted {
		for _, mv := range restock {
			if _, err := applyMovementTx(ctx, pgTx, mv, mv.Quantity); err != nil {
				return nil, err
			}
		}
		stockState = domain.StockStateReleased
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE orders SET order_status = $2, stock_state = $3, updated_at = now() WHERE id = $1
	`, orderID, domain.OrderStatusCancelled, stockState)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE payments SET status = $2, updated_at = now()
		WHERE order_id = $1 AND status = $3
	`, orderID, domain.PayStatusCancelled, domain.PayStatusPending)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrderByID(ctx, orderID)
}

func (s *Store) GetPaymentByID(ctx context.Context, id string) (*domain.Payment, error) {
	return s.getPayment(ctx, `WHERE id = $1`, id)
}

func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return s.getPayment(ctx, `WHERE order_id = $1`, orderID)
}

func (s *Store) FindPaymentByReference(ctx context.Context, ref string) (*domain.Payment, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, store.ErrNotFound
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id
		FROM payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.transaction_id = $1 OR p.order_id = $1 OR o.order_number = $1
		ORDER BY p.created_at DESC
		LIMIT 1
	`, ref).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.GetPaymentByID(ctx, id)
}

func (s *Store) getPayment(ctx context.Context, where string, arg any) (*domain.Payment, error) {
	var p domain.Payment
	var txID sql.NullString
	var callbackRaw []byte
	var paidAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, status, method, amount_cents, transaction_id, callback_data, created_at, paid_at
		FROM payments
	`+where, arg).Scan(&p.ID, &p.OrderID, &p.Status, &p.Method, &p.AmountCents, &txID, &callbackRaw, &p.CreatedAt, &paidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if txID.Valid {
		p.TransactionID = txID.String
	}
	if len(callbackRaw) > 0 {
		if err := json.Unmarshal(callbackRaw, &p.CallbackData); err != nil {
			return nil, err
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		p.PaidAt = &t
	}
	return &p, nil
}

func (s *Store) UpdatePaymentMeta(ctx context.Context, paymentID string, externalID string, callbackData map[string]any) (*domain.Payment, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	merged, err := mergeCallbackData(ctx, pgTx, paymentID, callbackData)
	if err != nil {
		return nil, err
	}
	res, err := pgTx.ExecContext(ctx, `
		UPDATE payments
		SET transaction_id = COALESCE($2, transaction_id), callback_data = $3, updated_at = now()
		WHERE id = $1
	`, paymentID, nullIfEmpty(externalID), merged)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	if externalID != "" {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE orders SET payment_reference = $2, updated_at = now()
			WHERE id = (SELECT order_id FROM payments WHERE id = $1)
		`, paymentID, externalID)
		if err != nil {
			return nil, err
		}
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPaymentByID(ctx, paymentID)
}

func (s *Store) RecordPaymentOutcome(ctx context.Context, paymentID string, status string, externalID string, callbackData map[string]any) (*domain.Payment, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM payments WHERE id = $1 FOR UPDATE
	`, paymentID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if current == status {
		_ = pgTx.Rollback()
		return s.GetPaymentByID(ctx, paymentID)
	}
	if current != domain.PayStatusPending {
		return nil, fmt.Errorf("%w: payment %s -> %s", store.ErrInvalidTransition, current, status)
	}

	merged, err := mergeCallbackData(ctx, pgTx, paymentID, callbackData)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, transaction_id = COALESCE($3, transaction_id), callback_data = $4, updated_at = now()
		WHERE id = $1
	`, paymentID, status, nullIfEmpty(externalID), merged)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPaymentByID(ctx, paymentID)
}

func (s *Store) MarkPaymentSucceeded(ctx context.Context, paymentID string, externalID string, callbackData map[string]any, deductions []domain.StockMovement, paidAt time.Time) (*domain.Payment, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current, orderID string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, order_id FROM payments WHERE id = $1 FOR UPDATE
	`, paymentID).Scan(&current, &orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if current == domain.PayStatusSuccess {
		_ = pgTx.Rollback()
		return s.GetPaymentByID(ctx, paymentID)
	}
	if current != domain.PayStatusPending {
		return nil, fmt.Errorf("%w: payment %s -> success", store.ErrInvalidTransition, current)
	}

	var orderStatus, stockState string
	err = pgTx.QueryRowContext(ctx, `
		SELECT order_status, stock_state FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&orderStatus, &stockState)
	if err != nil {
		return nil, err
	}
	if orderStatus == domain.OrderStatusCancelled {
		return nil, fmt.Errorf("%w: order %s is cancelled", store.ErrInvalidTransition, orderID)
	}

	// Deductions share idempotency keys with the creation-time reservation, so
	// this commits stock exactly once whether or not the reservation landed.
	for _, mv := range deductions {
		if _, err := applyMovementTx(ctx, pgTx, mv, -mv.Quantity); err != nil {
			return nil, err
		}
	}

	merged, err := mergeCallbackData(ctx, pgTx, paymentID, callbackData)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, transaction_id = COALESCE($3, transaction_id), callback_data = $4, paid_at = $5, updated_at = now()
		WHERE id = $1
	`, paymentID, domain.PayStatusSuccess, nullIfEmpty(externalID), merged, paidAt)
	if err != nil {
		return nil, err
	}

	// A paid order enters the fulfilment queue.
	nextStatus := orderStatus
	if orderStatus == domain.OrderStatusPending {
		nextStatus = domain.OrderStatusProcessing
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2, order_status = $3, stock_state = $4, paid_at = $5,
			payment_reference = COALESCE($6, payment_reference), updated_at = now()
		WHERE id = $1
	`, orderID, domain.PaymentStatusPaid, nextStatus, domain.StockStateCommitted, paidAt, nullIfEmpty(externalID))
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPaymentByID(ctx, paymentID)
}

func mergeCallbackData(ctx context.Context, pgTx *sql.Tx, paymentID string, incoming map[string]any) ([]byte, error) {
	var raw []byte
	err := pgTx.QueryRowContext(ctx, `
		SELECT callback_data FROM payments WHERE id = $1
	`, paymentID).Scan(&raw)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (s *Store) CreateCheckout(ctx context.Context, tx domain.Transaction, deductions []domain.StockMovement) (*domain.Transaction, error) {
	if len(tx.Items) == 0 || tx.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := insertTransactionTx(ctx, pgTx, tx); err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindTransactionByIdempotency(ctx, tx.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, mv := range deductions {
		if _, err := applyMovementTx(ctx, pgTx, mv, -mv.Quantity); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := tx
	return &created, nil
}

func (s *Store) CreateSyncedTransaction(ctx context.Context, tx domain.Transaction) (bool, *domain.Transaction, error) {
	if tx.SourceOrderID == "" {
		return false, nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	res, err := pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, transaction_number, customer_id, user_id, served_by, status, notes,
			source_order_id, payment_method, payment_reference, idempotency_key,
			subtotal_cents, tax_cents, total_cents, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (source_order_id) DO NOTHING
	`, tx.ID, tx.TransactionNumber, nullIfEmpty(tx.CustomerID), tx.UserID, tx.ServedBy, tx.Status,
		strings.TrimSpace(tx.Notes), tx.SourceOrderID, tx.PaymentMethod, nullIfEmpty(tx.PaymentReference),
		nullIfEmpty(tx.IdempotencyKey), tx.SubtotalCents, tx.TaxCents, tx.TotalCents, tx.CreatedAt)
	if err != nil {
		return false, nil, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if inserted == 0 {
		// Lost the unique-index race; the surviving row wins.
		_ = pgTx.Rollback()
		existing, err := s.FindTransactionForOrder(ctx, tx.PaymentReference, tx.SourceOrderID, "")
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}

	for _, item := range tx.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, product_id, product_name, qty, unit_price_cents, total_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, tx.ID, item.ProductID, item.ProductName, item.Qty, item.UnitPriceCents, item.TotalPriceCents)
		if err != nil {
			return false, nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return false, nil, err
	}
	created := tx
	return true, &created, nil
}

func insertTransactionTx(ctx context.Context, pgTx *sql.Tx, tx domain.Transaction) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, transaction_number, customer_id, user_id, served_by, status, notes,
			source_order_id, payment_method, payment_reference, idempotency_key,
			subtotal_cents, tax_cents, total_cents, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, tx.ID, tx.TransactionNumber, nullIfEmpty(tx.CustomerID), tx.UserID, tx.ServedBy, tx.Status,
		strings.TrimSpace(tx.Notes), nullIfEmpty(tx.SourceOrderID), tx.PaymentMethod,
		nullIfEmpty(tx.PaymentReference), nullIfEmpty(tx.IdempotencyKey),
		tx.SubtotalCents, tx.TaxCents, tx.TotalCents, tx.CreatedAt)
	if err != nil {
		return err
	}

	for _, item := range tx.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, product_id, product_name, qty, unit_price_cents, total_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, tx.ID, item.ProductID, item.ProductName, item.Qty, item.UnitPriceCents, item.TotalPriceCents)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	if strings.TrimSpace(key) == "" {
		return nil, store.ErrNotFound
	}
	return s.getTransaction(ctx, `WHERE idempotency_key = $1`, key)
}

func (s *Store) GetTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.getTransaction(ctx, `WHERE id = $1`, id)
}

func (s *Store) getTransaction(ctx context.Context, where string, arg any) (*domain.Transaction, error) {
	var t domain.Transaction
	var customerID, sourceOrderID, ref, idemKey sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_number, customer_id, user_id, served_by, status, notes,
			source_order_id, payment_method, payment_reference, idempotency_key,
			subtotal_cents, tax_cents, total_cents, created_at
		FROM transactions
	`+where, arg).Scan(&t.ID, &t.TransactionNumber, &customerID, &t.UserID, &t.ServedBy, &t.Status, &t.Notes,
		&sourceOrderID, &t.PaymentMethod, &ref, &idemKey, &t.SubtotalCents, &t.TaxCents, &t.TotalCents, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		t.CustomerID = customerID.String
	}
	if sourceOrderID.Valid {
		t.SourceOrderID = sourceOrderID.String
	}
	if ref.Valid {
		t.PaymentReference = ref.String
	}
	if idemKey.Valid {
		t.IdempotencyKey = idemKey.String
	}
	t.CreatedAt = t.CreatedAt.UTC()

	items, err := s.loadTransactionItems(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Items = items
	return &t, nil
}

func (s *Store) loadTransactionItems(ctx context.Context, txID string) ([]domain.TransactionItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, qty, unit_price_cents, total_price_cents
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY product_id
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.TransactionItem, 0, 8)
	for rows.Next() {
		var item domain.TransactionItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Qty, &item.UnitPriceCents, &item.TotalPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM transactions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	txs := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTransactionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, nil
}

// FindTransactionForOrder checks the three dedup signals in order of
// reliability: payment reference, source order link, then the legacy
// "Order {number}" notes prefix.
func (s *Store) FindTransactionForOrder(ctx context.Context, paymentReference string, orderID string, orderNumber string) (*domain.Transaction, error) {
	if paymentReference != "" {
		t, err := s.getTransaction(ctx, `WHERE payment_reference = $1`, paymentReference)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if orderID != "" {
		t, err := s.getTransaction(ctx, `WHERE source_order_id = $1`, orderID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if orderNumber != "" {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM transactions
			WHERE notes LIKE $1
			ORDER BY created_at DESC
			LIMIT 1
		`, "Order "+orderNumber+"%").Scan(&id)
		if err == nil {
			return s.GetTransactionByID(ctx, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RefundTransaction(ctx context.Context, id string, restock []domain.StockMovement, at time.Time) (*domain.Transaction, error) {
	return s.reverseTransaction(ctx, id, restock, domain.TxStatusRefunded, at)
}

func (s *Store) CancelTransaction(ctx context.Context, id string, restock []domain.StockMovement, at time.Time) (*domain.Transaction, error) {
	return s.reverseTransaction(ctx, id, restock, domain.TxStatusCancelled, at)
}

func (s *Store) reverseTransaction(ctx context.Context, id string, restock []domain.StockMovement, newStatus string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM transactions WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if current == newStatus {
		_ = pgTx.Rollback()
		return s.GetTransactionByID(ctx, id)
	}
	if current != domain.TxStatusCompleted {
		return nil, fmt.Errorf("%w: transaction %s -> %s", store.ErrInvalidTransition, current, newStatus)
	}

	for _, mv := range restock {
		if _, err := applyMovementTx(ctx, pgTx, mv, mv.Quantity); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1
	`, id, newStatus, at)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTransactionByID(ctx, id)
}

func (s *Store) GetTransactionStats(ctx context.Context, from time.Time, to time.Time) (domain.TransactionStats, error) {
	var stats domain.TransactionStats
	stats.Date = from.UTC().Format("2006-01-02")

	var gross sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cents), 0),
			COUNT(*) FILTER (WHERE source_order_id IS NOT NULL)
		FROM transactions
		WHERE status = $1 AND created_at >= $2 AND created_at < $3
	`, domain.TxStatusCompleted, from, to).Scan(&stats.Transactions, &gross, &stats.Synced)
	if err != nil {
		return stats, err
	}
	if gross.Valid {
		stats.GrossCents = gross.Int64
	}
	return stats, nil
}

func (s *Store) FindCustomerByContact(ctx context.Context, phone string, email string) (*domain.Customer, error) {
	if strings.TrimSpace(phone) == "" && strings.TrimSpace(email) == "" {
		return nil, store.ErrNotFound
	}
	var c domain.Customer
	var em sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email, created_at
		FROM customers
		WHERE ($1 <> '' AND phone = $1) OR ($2 <> '' AND email = $2)
		ORDER BY created_at ASC
		LIMIT 1
	`, phone, email).Scan(&c.ID, &c.Name, &c.Phone, &em, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if em.Valid {
		c.Email = em.String
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" {
		return nil, store.ErrValidation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, email, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, customer.ID, customer.Name, customer.Phone, nullIfEmpty(customer.Email), customer.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM settings WHERE key = $1
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return store.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrValidation
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (username) DO NOTHING
	`, user.ID, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, role, active, created_at
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func marshalCallbackData(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(data)
}
