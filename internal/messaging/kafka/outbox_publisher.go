package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/somenicecode/dayx/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// OutboxTopicPublisher публикует outbox-сообщения в Kafka.
// События вариантов уходят в stockTopic, остальные в topic.
type OutboxTopicPublisher struct {
	producer   *Producer
	topic      string
	stockTopic string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic, stockTopic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	if stockTopic == "" {
		stockTopic = TopicStockEvents
	}
	return &OutboxTopicPublisher{
		producer:   producer,
		topic:      topic,
		stockTopic: stockTopic,
	}
}

// Publish отправляет сообщение с ключом агрегата, чтобы события одного заказа
// попадали в одну партицию и сохраняли порядок.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	envelope := OutboxEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}

	return p.producer.PublishEvent(ctx, p.TopicFor(event), key, envelope, map[string]string{
		HeaderEventType: event.EventType,
	})
}

// TopicFor возвращает topic, в который уйдёт событие.
func (p *OutboxTopicPublisher) TopicFor(event domain.OutboxMessage) string {
	if event.AggregateType == domain.AggregateVariant {
		return p.stockTopic
	}
	return p.topic
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
