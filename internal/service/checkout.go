package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/store"
	"satukasir/backend/internal/xid"
)

// Checkout rings up an in-store sale. The idempotency key makes retries safe:
// a duplicate submit returns the transaction recorded the first time.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CheckoutResponse{}, fmt.Errorf("authentication required")
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.IdempotencyKey == "" || len(req.Items) == 0 {
		return domain.CheckoutResponse{}, store.ErrValidation
	}
	switch req.PaymentMethod {
	case "cash", "qris", "debit":
	default:
		return domain.CheckoutResponse{}, store.ErrValidation
	}

	if existing, err := s.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return duplicateResponse(*existing, req), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" || item.Qty < 1 {
			return domain.CheckoutResponse{}, store.ErrValidation
		}
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	now := time.Now().UTC()
	items := make([]domain.TransactionItem, 0, len(req.Items))
	subtotal := int64(0)
	for _, input := range req.Items {
		p, ok := products[input.ProductID]
		if !ok || !p.Active {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, input.ProductID)
		}
		if p.StockQuantity < input.Qty {
			return domain.CheckoutResponse{}, store.ErrInsufficientStock
		}
		lineTotal := p.PriceCents * int64(input.Qty)
		items = append(items, domain.TransactionItem{
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
		return domain.CheckoutResponse{}, err
	}
	taxCents := int64(math.Round(float64(subtotal) * float64(taxRate) / 100))
	totalCents := subtotal + taxCents

	if req.PaymentMethod == "cash" && req.CashReceivedCents < totalCents {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: cash received below total", store.ErrValidation)
	}

	tx := domain.Transaction{
		ID:                xid.New("trx"),
		TransactionNumber: xid.Number("TRX", now),
		UserID:            actor.Username,
		ServedBy:          actor.Username,
		Status:            domain.TxStatusCompleted,
		PaymentMethod:     req.PaymentMethod,
		PaymentReference:  strings.TrimSpace(req.PaymentReference),
		IdempotencyKey:    req.IdempotencyKey,
		SubtotalCents:     subtotal,
		TaxCents:          taxCents,
		TotalCents:        totalCents,
		CreatedAt:         now,
		Items:             items,
	}

	deductions := make([]domain.StockMovement, 0, len(items))
	for _, item := range items {
		deductions = append(deductions, domain.StockMovement{
			ID:            xid.New("mov"),
			ProductID:     item.ProductID,
			MovementType:  domain.MovementOut,
			Quantity:      item.Qty,
			ReferenceType: domain.RefTransaction,
			ReferenceID:   tx.ID,
			ActorID:       actor.Username,
			CreatedAt:     now,
		})
	}

	saved, err := s.repo.CreateCheckout(ctx, tx, deductions)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if saved.ID != tx.ID {
		// Lost the idempotency race to a concurrent submit.
		return duplicateResponse(*saved, req), nil
	}

	s.logAudit(ctx, "checkout", "transaction", saved.ID, fmt.Sprintf("number=%s,total=%d", saved.TransactionNumber, saved.TotalCents))

	resp := domain.CheckoutResponse{Transaction: *saved}
	if req.PaymentMethod == "cash" {
		resp.ChangeCents = req.CashReceivedCents - totalCents
	}
	return resp, nil
}

func duplicateResponse(tx domain.Transaction, req domain.CheckoutRequest) domain.CheckoutResponse {
	resp := domain.CheckoutResponse{Transaction: tx, Duplicate: true}
	if tx.PaymentMethod == "cash" && req.CashReceivedCents >= tx.TotalCents {
		resp.ChangeCents = req.CashReceivedCents - tx.TotalCents
	}
	return resp
}

// ListTransactions syncs the online channel first so the unified list always
// includes paid shop orders.
func (s *Service) ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	s.syncBestEffort(ctx)
	return s.repo.ListTransactions(ctx, limit)
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	t, err := s.repo.GetTransactionByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *t, nil
}

// TransactionStats reports on the given UTC day, defaulting to today. Stats
// reads also trigger a channel sync so online revenue is never missing.
func (s *Service) TransactionStats(ctx context.Context, date string) (domain.TransactionStats, error) {
	day := time.Now().UTC()
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.TransactionStats{}, store.ErrValidation
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	s.syncBestEffort(ctx)
	return s.repo.GetTransactionStats(ctx, from, to)
}

func (s *Service) RefundTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return s.reverseTransaction(ctx, id, domain.TxStatusRefunded)
}

func (s *Service) CancelTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return s.reverseTransaction(ctx, id, domain.TxStatusCancelled)
}

func (s *Service) reverseTransaction(ctx context.Context, id string, newStatus string) (domain.Transaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Transaction{}, fmt.Errorf("admin role required")
	}

	tx, err := s.repo.GetTransactionByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}

	movementType := domain.MovementReturn
	refType := domain.RefRefund
	if newStatus == domain.TxStatusCancelled {
		movementType = domain.MovementIn
		refType = domain.RefTransactionCancel
	}

	now := time.Now().UTC()
	restock := make([]domain.StockMovement, 0, len(tx.Items))
	for _, item := range tx.Items {
		restock = append(restock, domain.StockMovement{
			ID:            xid.New("mov"),
			ProductID:     item.ProductID,
			MovementType:  movementType,
			Quantity:      item.Qty,
			ReferenceType: refType,
			ReferenceID:   tx.ID,
			ActorID:       actor.Username,
			CreatedAt:     now,
		})
	}

	var saved *domain.Transaction
	if newStatus == domain.TxStatusRefunded {
		saved, err = s.repo.RefundTransaction(ctx, tx.ID, restock, now)
	} else {
		saved, err = s.repo.CancelTransaction(ctx, tx.ID, restock, now)
	}
	if err != nil {
		return domain.Transaction{}, err
	}

	s.logAudit(ctx, "transaction_"+newStatus, "transaction", saved.ID, fmt.Sprintf("total=%d", saved.TotalCents))
	return *saved, nil
}
