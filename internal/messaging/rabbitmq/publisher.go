package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/somenicecode/dayx/internal/domain"
)

// Channel: часть *amqp.Channel, нужная публикации.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// OutboxPublisher публикует outbox-сообщения в topic exchange.
// Routing key: <aggregate>.<event>, например order.orderstatuschanged.
type OutboxPublisher struct {
	ch       Channel
	exchange string
}

// NewOutboxPublisher создаёт publisher; пустой exchange означает ExchangeName.
func NewOutboxPublisher(ch Channel, exchange string) *OutboxPublisher {
	if exchange == "" {
		exchange = ExchangeName
	}
	return &OutboxPublisher{ch: ch, exchange: exchange}
}

// Publish отправляет сообщение как persistent JSON. ID outbox идёт в MessageId,
// по нему потребители отбрасывают повторы.
func (p *OutboxPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.ch == nil {
		return errors.New("rabbitmq outbox publisher is not initialized")
	}

	err := p.ch.PublishWithContext(ctx,
		p.exchange,        // exchange
		RoutingKey(event), // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Type:         event.EventType,
			Timestamp:    event.CreatedAt,
			Headers: amqp.Table{
				"aggregate_type": event.AggregateType,
				"aggregate_id":   event.AggregateID,
			},
			Body: event.Payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s to rabbitmq: %w", event.EventType, err)
	}
	return nil
}

// RoutingKey строит ключ маршрутизации для сообщения.
func RoutingKey(event domain.OutboxMessage) string {
	aggregate := event.AggregateType
	if aggregate == "" {
		aggregate = "unknown"
	}
	return strings.ToLower(aggregate + "." + event.EventType)
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
