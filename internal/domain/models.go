package domain

import "time"

type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	PriceCents    int64     `json:"price_cents"`
	StockQuantity int       `json:"stock_quantity"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

// StockMovement is one row of the append-only stock ledger. Quantity is always
// the magnitude of the change; direction is implied by MovementType. The
// (ProductID, ReferenceType, ReferenceID) triple is unique and serves as the
// idempotency key preventing the same business event from being applied twice.
type StockMovement struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	MovementType  string    `json:"movement_type"`
	Quantity      int       `json:"quantity"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	MovementIn         = "in"
	MovementOut        = "out"
	MovementAdjustment = "adjustment"
	MovementReturn     = "return"
)

const (
	RefOrder             = "order"
	RefOrderCancel       = "order_cancel"
	RefTransaction       = "transaction"
	RefTransactionCancel = "transaction_cancel"
	RefRefund            = "refund"
	RefManual            = "manual"
)

type StockAdjustRequest struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
	Note      string `json:"note,omitempty"`
}

type OrderItemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreateRequest struct {
	CustomerName  string           `json:"customer_name"`
	CustomerPhone string           `json:"customer_phone"`
	CustomerEmail string           `json:"customer_email,omitempty"`
	PaymentMethod string           `json:"payment_method"`
	Items         []OrderItemInput `json:"items"`
}

// OrderItem is an immutable snapshot of price and quantity at creation time.
type OrderItem struct {
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name"`
	Qty             int    `json:"qty"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	TotalPriceCents int64  `json:"total_price_cents"`
}

type Order struct {
	ID               string      `json:"id"`
	OrderNumber      string      `json:"order_number"`
	CustomerName     string      `json:"customer_name"`
	CustomerPhone    string      `json:"customer_phone"`
	CustomerEmail    string      `json:"customer_email,omitempty"`
	PaymentStatus    string      `json:"payment_status"`
	OrderStatus      string      `json:"order_status"`
	StockState       string      `json:"stock_state"`
	SubtotalCents    int64       `json:"subtotal_cents"`
	TaxCents         int64       `json:"tax_cents"`
	TotalCents       int64       `json:"total_cents"`
	PaymentMethod    string      `json:"payment_method"`
	PaymentReference string      `json:"payment_reference,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	PaidAt           *time.Time  `json:"paid_at,omitempty"`
	Items            []OrderItem `json:"items"`
}

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
)

const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusReady      = "ready"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
)

// Stock states track what the ledger has done for an order, so exactly one
// authority (the repository method that transitions the state) owns each step.
const (
	StockStateNone      = "none"
	StockStateReserved  = "reserved"
	StockStateCommitted = "committed"
	StockStateReleased  = "released"
)

// Payment rows advance through pending -> {success, failed, expired, cancelled}.
// CallbackData is a free-form bag of gateway callback fields and manual
// confirmation flags (qr_scanned, transfer_received, notes).
type Payment struct {
	ID            string         `json:"id"`
	OrderID       string         `json:"order_id"`
	Status        string         `json:"status"`
	Method        string         `json:"method"`
	AmountCents   int64          `json:"amount_cents"`
	TransactionID string         `json:"transaction_id,omitempty"`
	CallbackData  map[string]any `json:"callback_data,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	PaidAt        *time.Time     `json:"paid_at,omitempty"`
}

const (
	PayStatusPending   = "pending"
	PayStatusSuccess   = "success"
	PayStatusFailed    = "failed"
	PayStatusExpired   = "expired"
	PayStatusCancelled = "cancelled"
)

// PaymentInstructions is the gateway result contract stored verbatim on the
// payment; the gateway itself is an external collaborator.
type PaymentInstructions struct {
	TransactionID string    `json:"transaction_id"`
	QRString      string    `json:"qr_string,omitempty"`
	QRCodeURL     string    `json:"qr_code_url,omitempty"`
	BankName      string    `json:"bank_name,omitempty"`
	AccountNumber string    `json:"account_number,omitempty"`
	AccountName   string    `json:"account_name,omitempty"`
	ExpiredAt     time.Time `json:"expired_at"`
}

type WebhookNotification struct {
	TransactionID     string `json:"transaction_id,omitempty"`
	OrderID           string `json:"order_id,omitempty"`
	TransactionStatus string `json:"transaction_status,omitempty"`
	Status            string `json:"status,omitempty"`
	FraudStatus       string `json:"fraud_status,omitempty"`
	GrossAmount       string `json:"gross_amount,omitempty"`
	SignatureKey      string `json:"signature_key,omitempty"`
}

type ManualConfirmRequest struct {
	QRScanned        bool   `json:"qr_scanned,omitempty"`
	TransferReceived bool   `json:"transfer_received,omitempty"`
	Note             string `json:"note,omitempty"`
	ConfirmPaid      bool   `json:"confirm_paid,omitempty"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type TransactionItem struct {
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name"`
	Qty             int    `json:"qty"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	TotalPriceCents int64  `json:"total_price_cents"`
}

// Transaction is the unified commerce record: created directly by a POS
// checkout, or synthesized from a paid shop order by the channel reconciler.
// SourceOrderID links a synthesized row back to its shop order; Notes keeps the
// human-readable "Order {number}" prefix for receipts and legacy rows.
type Transaction struct {
	ID                string            `json:"id"`
	TransactionNumber string            `json:"transaction_number"`
	CustomerID        string            `json:"customer_id,omitempty"`
	UserID            string            `json:"user_id"`
	ServedBy          string            `json:"served_by"`
	Status            string            `json:"status"`
	Notes             string            `json:"notes,omitempty"`
	SourceOrderID     string            `json:"source_order_id,omitempty"`
	PaymentMethod     string            `json:"payment_method"`
	PaymentReference  string            `json:"payment_reference,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	SubtotalCents     int64             `json:"subtotal_cents"`
	TaxCents          int64             `json:"tax_cents"`
	TotalCents        int64             `json:"total_cents"`
	CreatedAt         time.Time         `json:"created_at"`
	Items             []TransactionItem `json:"items"`
}

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusCancelled = "cancelled"
	TxStatusRefunded  = "refunded"
)

// ServedBySystem marks transactions materialized from the online channel.
const ServedBySystem = "System Online"

type CheckoutRequest struct {
	IdempotencyKey    string           `json:"idempotency_key"`
	PaymentMethod     string           `json:"payment_method"`
	PaymentReference  string           `json:"payment_reference,omitempty"`
	CashReceivedCents int64            `json:"cash_received_cents"`
	Items             []OrderItemInput `json:"items"`
}

type CheckoutResponse struct {
	Transaction Transaction `json:"transaction"`
	ChangeCents int64       `json:"change_cents"`
	Duplicate   bool        `json:"duplicate"`
}

type TransactionStats struct {
	Date         string `json:"date"`
	Transactions int64  `json:"transactions"`
	GrossCents   int64  `json:"gross_cents"`
	Synced       int    `json:"synced"`
}

type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials. The
// reconciler also uses it to pick the system account that owns synthesized
// transactions.
type UserAccount struct {
	ID        string
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
