package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/allinclusive-ar/mp-payments/internal/pkg/env"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

const defaultExchange = "storefront.payments"

// PaymentReconciledEvent is emitted after the reconciler persists a payment
// observation, so downstream services (notifications, fulfilment) can react
// without polling the payment tables.
type PaymentReconciledEvent struct {
	ID        uuid.UUID `json:"id"`
	PaymentID string    `json:"payment_id"`
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisherFromEnv connects to RabbitMQ when AMQP_URL is configured.
// Returns (nil, nil) when unset so event fan-out stays optional.
func NewPublisherFromEnv() (*Publisher, error) {
	url := env.GetEnv("AMQP_URL", "")
	if url == "" {
		return nil, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening RabbitMQ channel: %w", err)
	}

	exchange := env.GetEnv("AMQP_EXCHANGE", defaultExchange)
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, channel: channel, exchange: exchange}, nil
}

func (p *Publisher) PublishPaymentReconciled(event PaymentReconciledEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event serialization error: %w", err)
	}

	routingKey := fmt.Sprintf("payments.reconciled.%s", event.Status)
	err = p.channel.Publish(
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID.String(),
			Timestamp:    event.Timestamp,
			Headers: amqp.Table{
				"payment_id": event.PaymentID,
				"order_id":   event.OrderID,
				"status":     event.Status,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("event publish error: %w", err)
	}

	log.Printf("Event published: %s -> payment %s", routingKey, event.PaymentID)
	return nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
