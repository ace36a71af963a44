package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/somenicecode/dayx/internal/domain"
)

// AppendEvent пишет событие заказа в timeline и в outbox в рамках переданной транзакции.
// Ошибка любой из записей откатывает всю транзакцию вызывающего кода.
func AppendEvent(ctx context.Context, uow domain.UnitOfWork, orderID, eventType, reason string, payload map[string]interface{}) error {
	occurred := domain.Now()
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["order_id"] = orderID
	payload["ts"] = occurred.Format(time.RFC3339Nano)
	if reason != "" {
		payload["reason"] = reason
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	if _, err := uow.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     occurred,
	}); err != nil {
		return fmt.Errorf("enqueue %s event: %w", eventType, err)
	}

	if err := uow.Timeline().Append(ctx, domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: occurred,
	}); err != nil {
		return fmt.Errorf("append %s to timeline: %w", eventType, err)
	}
	return nil
}
