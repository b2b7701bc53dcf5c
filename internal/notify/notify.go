package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"satukasir/backend/internal/domain"
)

// Notifier publishes commerce lifecycle events. Every call is best-effort:
// implementations must never fail the business operation that triggered them.
type Notifier interface {
	OrderCreated(ctx context.Context, order *domain.Order)
	PaymentReceived(ctx context.Context, order *domain.Order, pay *domain.Payment)
	OrderStatusChanged(ctx context.Context, order *domain.Order, previous string)
	Close() error
}

// Envelope is the wire frame shared by all published events.
type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	OccurredAt   time.Time `json:"occurred_at"`
	Producer     string    `json:"producer"`
	Payload      any       `json:"payload"`
}

func newEnvelope(eventType string, producer string, payload any) Envelope {
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     producer,
		Payload:      payload,
	}
}

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) OrderCreated(context.Context, *domain.Order) {}

func (Noop) PaymentReceived(context.Context, *domain.Order, *domain.Payment) {}

func (Noop) OrderStatusChanged(context.Context, *domain.Order, string) {}

func (Noop) Close() error { return nil }
