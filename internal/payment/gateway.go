package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"satukasir/backend/internal/domain"
)

// Gateway creates payment instructions with an external provider. Instruction
// generation is best-effort from the order flow's point of view: an order is
// valid without instructions and a retry can generate them later.
type Gateway interface {
	CreateInstructions(ctx context.Context, order *domain.Order) (*domain.PaymentInstructions, error)
}

// SandboxGateway fabricates instructions locally. It stands in for the real
// provider in development and in tests; webhook simulation closes the loop.
type SandboxGateway struct {
	AccountName string
	Expiry      time.Duration
}

func NewSandboxGateway(accountName string) *SandboxGateway {
	return &SandboxGateway{AccountName: accountName, Expiry: 24 * time.Hour}
}

func (g *SandboxGateway) CreateInstructions(_ context.Context, order *domain.Order) (*domain.PaymentInstructions, error) {
	txID := uuid.NewString()
	ins := &domain.PaymentInstructions{
		TransactionID: txID,
		ExpiredAt:     time.Now().UTC().Add(g.Expiry),
	}
	switch strings.ToLower(order.PaymentMethod) {
	case "qris":
		ins.QRString = fmt.Sprintf("00020101021226SANDBOX%s5204%013d6304", txID, order.TotalCents)
		ins.QRCodeURL = fmt.Sprintf("https://sandbox.payments.local/qr/%s.png", txID)
	case "bank_transfer":
		ins.BankName = "BCA"
		ins.AccountNumber = fmt.Sprintf("8808%08d", order.TotalCents%100000000)
		ins.AccountName = g.AccountName
	default:
		return nil, fmt.Errorf("unsupported payment method %q", order.PaymentMethod)
	}
	return ins, nil
}
