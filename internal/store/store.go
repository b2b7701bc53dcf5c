package store

import (
	"context"
	"errors"
	"time"

	"satukasir/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository is the persistence boundary. Every method that mutates more than
// one row runs as a single database transaction in the postgres implementation;
// idempotency guards are unique constraints plus insert-ignore-on-conflict, not
// check-then-insert.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// ApplyStockMovement atomically inserts the movement and shifts the
	// product's stock by signedDelta. A movement whose (product_id,
	// reference_type, reference_id) key already exists is a successful no-op
	// and reports applied=false.
	ApplyStockMovement(ctx context.Context, movement domain.StockMovement, signedDelta int) (applied bool, err error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	CreateOrder(ctx context.Context, order domain.Order, payment domain.Payment) (*domain.Order, error)
	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error)
	ListOrders(ctx context.Context, status string, limit int) ([]domain.Order, error)
	ListPaidOrdersForSync(ctx context.Context, limit int) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status string) (*domain.Order, error)
	// ReserveOrderStock applies the creation-time deductions and moves the
	// order's stock state none -> reserved. Already reserved/committed orders
	// are a no-op.
	ReserveOrderStock(ctx context.Context, orderID string, deductions []domain.StockMovement) error
	// CancelOrder marks the order cancelled, restores reserved/committed stock
	// exactly once via the ('order_cancel', orderID) movement keys, and cancels
	// a not-yet-successful payment. Cancelling a cancelled order is a no-op.
	CancelOrder(ctx context.Context, orderID string, restock []domain.StockMovement) (*domain.Order, error)

	GetPaymentByID(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*domain.Payment, error)
	// FindPaymentByReference matches the gateway's external transaction id or
	// the order number carried in webhook bodies.
	FindPaymentByReference(ctx context.Context, ref string) (*domain.Payment, error)
	// UpdatePaymentMeta merges callback data into the payment and, when
	// externalID is non-empty, records the gateway's transaction id on the
	// payment and as the owning order's payment reference. Status is untouched.
	UpdatePaymentMeta(ctx context.Context, paymentID string, externalID string, callbackData map[string]any) (*domain.Payment, error)
	// RecordPaymentOutcome persists a terminal non-success status. Transitions
	// out of success are refused.
	RecordPaymentOutcome(ctx context.Context, paymentID string, status string, externalID string, callbackData map[string]any) (*domain.Payment, error)
	// MarkPaymentSucceeded persists the success transition, flips the owning
	// order to paid, and applies the per-item deductions (no-ops when the
	// creation-time reservation already holds them) in one transaction.
	MarkPaymentSucceeded(ctx context.Context, paymentID string, externalID string, callbackData map[string]any, deductions []domain.StockMovement, paidAt time.Time) (*domain.Payment, error)

	CreateCheckout(ctx context.Context, tx domain.Transaction, deductions []domain.StockMovement) (*domain.Transaction, error)
	// CreateSyncedTransaction inserts a reconciler-built transaction; a
	// concurrent insert for the same source order loses the unique-index race
	// and returns the surviving row with created=false.
	CreateSyncedTransaction(ctx context.Context, tx domain.Transaction) (created bool, saved *domain.Transaction, err error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	GetTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
	FindTransactionForOrder(ctx context.Context, paymentReference string, orderID string, orderNumber string) (*domain.Transaction, error)
	RefundTransaction(ctx context.Context, id string, restock []domain.StockMovement, at time.Time) (*domain.Transaction, error)
	CancelTransaction(ctx context.Context, id string, restock []domain.StockMovement, at time.Time) (*domain.Transaction, error)
	GetTransactionStats(ctx context.Context, from time.Time, to time.Time) (domain.TransactionStats, error)

	FindCustomerByContact(ctx context.Context, phone string, email string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key string, value string) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
