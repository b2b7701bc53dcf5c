package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"satukasir/backend/internal/domain"
)

const (
	TopicOrderCreated       = "commerce.order.created"
	TopicPaymentReceived    = "commerce.payment.received"
	TopicOrderStatusChanged = "commerce.order.status_changed"
)

// KafkaNotifier publishes envelopes asynchronously through a buffered inbox so
// a slow broker never blocks request handling. Remaining messages are flushed
// on Close.
type KafkaNotifier struct {
	producer string
	writer   *kafka.Writer
	inbox    chan kafka.Message
	done     chan struct{}
}

func NewKafka(brokers []string, producer string) *KafkaNotifier {
	n := &KafkaNotifier{
		producer: producer,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		inbox: make(chan kafka.Message, 256),
		done:  make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *KafkaNotifier) loop() {
	defer close(n.done)
	for msg := range n.inbox {
		if err := n.writer.WriteMessages(context.Background(), msg); err != nil {
			log.Printf("[notify] WARN publish %s failed: %v", msg.Topic, err)
		}
	}
}

func (n *KafkaNotifier) publish(topic string, key string, eventType string, payload any) {
	body, err := json.Marshal(newEnvelope(eventType, n.producer, payload))
	if err != nil {
		log.Printf("[notify] WARN marshal %s failed: %v", eventType, err)
		return
	}
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: body, Time: time.Now()}
	select {
	case n.inbox <- msg:
	default:
		log.Printf("[notify] WARN inbox full, dropping %s for %s", eventType, key)
	}
}

func (n *KafkaNotifier) OrderCreated(_ context.Context, order *domain.Order) {
	n.publish(TopicOrderCreated, order.ID, "order.created", order)
}

func (n *KafkaNotifier) PaymentReceived(_ context.Context, order *domain.Order, pay *domain.Payment) {
	n.publish(TopicPaymentReceived, order.ID, "payment.received", map[string]any{
		"order":   order,
		"payment": pay,
	})
}

func (n *KafkaNotifier) OrderStatusChanged(_ context.Context, order *domain.Order, previous string) {
	n.publish(TopicOrderStatusChanged, order.ID, "order.status_changed", map[string]any{
		"order":           order,
		"previous_status": previous,
	})
}

func (n *KafkaNotifier) Close() error {
	close(n.inbox)
	<-n.done
	return n.writer.Close()
}
