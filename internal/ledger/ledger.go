package ledger

import (
	"context"
	"fmt"
	"time"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/store"
	"satukasir/backend/internal/xid"
)

// Ledger owns every mutation of product stock. Callers validate stock
// sufficiency before adjusting; the ledger itself only guarantees that each
// business event is applied at most once and that product.stock_quantity stays
// equal to the signed sum of its movements.
type Ledger struct {
	repo store.Repository
}

func New(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Adjust applies one signed stock change keyed by (referenceType, referenceID).
// Returns applied=false when the same event was already recorded.
func (l *Ledger) Adjust(ctx context.Context, productID string, signedDelta int, movementType string, referenceType string, referenceID string, actorID string, note string) (bool, error) {
	if productID == "" || referenceType == "" || referenceID == "" {
		return false, fmt.Errorf("%w: product and reference are required", store.ErrValidation)
	}
	if signedDelta == 0 {
		return false, fmt.Errorf("%w: delta must be non-zero", store.ErrValidation)
	}
	if movementType == "" {
		movementType = deriveMovementType(signedDelta, referenceType)
	}

	if _, err := l.repo.GetProductByID(ctx, productID); err != nil {
		return false, err
	}

	movement := domain.StockMovement{
		ID:            xid.New("mov"),
		ProductID:     productID,
		MovementType:  movementType,
		Quantity:      abs(signedDelta),
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		ActorID:       actorID,
		Note:          note,
		CreatedAt:     time.Now().UTC(),
	}
	return l.repo.ApplyStockMovement(ctx, movement, signedDelta)
}

func (l *Ledger) Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	return l.repo.ListStockMovements(ctx, productID, limit)
}

// Deductions builds the per-item 'out' movements for an order, keyed so that
// the creation-time reservation and a later payment-success commit share the
// same idempotency keys.
func Deductions(referenceType string, referenceID string, items []domain.OrderItem) []domain.StockMovement {
	now := time.Now().UTC()
	movements := make([]domain.StockMovement, 0, len(items))
	for _, item := range items {
		movements = append(movements, domain.StockMovement{
			ID:            xid.New("mov"),
			ProductID:     item.ProductID,
			MovementType:  domain.MovementOut,
			Quantity:      item.Qty,
			ReferenceType: referenceType,
			ReferenceID:   referenceID,
			CreatedAt:     now,
		})
	}
	return movements
}

// Restock builds the per-item restore movements mirroring a prior deduction.
func Restock(movementType string, referenceType string, referenceID string, items []domain.OrderItem) []domain.StockMovement {
	now := time.Now().UTC()
	movements := make([]domain.StockMovement, 0, len(items))
	for _, item := range items {
		movements = append(movements, domain.StockMovement{
			ID:            xid.New("mov"),
			ProductID:     item.ProductID,
			MovementType:  movementType,
			Quantity:      item.Qty,
			ReferenceType: referenceType,
			ReferenceID:   referenceID,
			CreatedAt:     now,
		})
	}
	return movements
}

func deriveMovementType(signedDelta int, referenceType string) string {
	switch referenceType {
	case domain.RefManual:
		return domain.MovementAdjustment
	case domain.RefRefund:
		return domain.MovementReturn
	}
	if signedDelta < 0 {
		return domain.MovementOut
	}
	return domain.MovementIn
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
