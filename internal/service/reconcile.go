package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/store"
	"satukasir/backend/internal/xid"
)

const syncBatchLimit = 200

// SyncChannels materializes paid shop orders as POS transactions so the
// unified transaction list and daily stats cover both channels. Already-synced
// orders are skipped via payment reference, source order link or the legacy
// notes prefix; the source_order_id unique index settles concurrent syncs.
// Returns the number of transactions created.
func (s *Service) SyncChannels(ctx context.Context) (int, error) {
	orders, err := s.repo.ListPaidOrdersForSync(ctx, syncBatchLimit)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	systemUserID := s.systemUserID(ctx)

	created := 0
	for _, order := range orders {
		_, err := s.repo.FindTransactionForOrder(ctx, order.PaymentReference, order.ID, order.OrderNumber)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, err
		}

		customerID := s.resolveCustomer(ctx, order)

		createdAt := order.CreatedAt
		if order.PaidAt != nil {
			createdAt = *order.PaidAt
		}

		items := make([]domain.TransactionItem, 0, len(order.Items))
		for _, item := range order.Items {
			items = append(items, domain.TransactionItem{
				ProductID:       item.ProductID,
				ProductName:     item.ProductName,
				Qty:             item.Qty,
				UnitPriceCents:  item.UnitPriceCents,
				TotalPriceCents: item.TotalPriceCents,
			})
		}

		tx := domain.Transaction{
			ID:                xid.New("trx"),
			TransactionNumber: xid.Number("TRX", createdAt),
			CustomerID:        customerID,
			UserID:            systemUserID,
			ServedBy:          domain.ServedBySystem,
			Status:            domain.TxStatusCompleted,
			Notes:             fmt.Sprintf("Order %s - online channel", order.OrderNumber),
			SourceOrderID:     order.ID,
			PaymentMethod:     order.PaymentMethod,
			PaymentReference:  order.PaymentReference,
			IdempotencyKey:    "sync-" + order.ID,
			SubtotalCents:     order.SubtotalCents,
			TaxCents:          order.TaxCents,
			TotalCents:        order.TotalCents,
			CreatedAt:         createdAt,
			Items:             items,
		}

		// No stock movements here: the order flow already committed stock when
		// the payment succeeded.
		wasCreated, _, err := s.repo.CreateSyncedTransaction(ctx, tx)
		if err != nil {
			return created, err
		}
		if wasCreated {
			created++
		}
	}

	if created > 0 {
		log.Printf("[reconcile] synced %d online orders into transactions", created)
	}
	return created, nil
}

func (s *Service) syncBestEffort(ctx context.Context) {
	if _, err := s.SyncChannels(ctx); err != nil {
		log.Printf("[reconcile] WARN channel sync failed: %v", err)
	}
}

// resolveCustomer finds or creates the customer record for an order, matching
// by phone first and then email. A failure here degrades to an anonymous
// transaction rather than blocking the sync.
func (s *Service) resolveCustomer(ctx context.Context, order domain.Order) string {
	customer, err := s.repo.FindCustomerByContact(ctx, order.CustomerPhone, order.CustomerEmail)
	if err == nil {
		return customer.ID
	}
	if !errors.Is(err, store.ErrNotFound) {
		log.Printf("[reconcile] WARN lookup customer for order=%s: %v", order.ID, err)
		return ""
	}

	createdCustomer, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:  order.CustomerName,
		Phone: order.CustomerPhone,
		Email: order.CustomerEmail,
	})
	if err != nil {
		log.Printf("[reconcile] WARN create customer for order=%s: %v", order.ID, err)
		return ""
	}
	return createdCustomer.ID
}

// systemUserID picks the account that owns synthesized transactions: the first
// active admin, else the first user, else a literal placeholder.
func (s *Service) systemUserID(ctx context.Context) string {
	users, err := s.repo.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return "system"
	}
	for _, u := range users {
		if u.Active && u.Role == "admin" {
			return u.ID
		}
	}
	return users[0].ID
}
