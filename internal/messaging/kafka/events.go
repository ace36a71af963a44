package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/somenicecode/dayx/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "dayx.order.events"
	TopicStockEvents     = "dayx.stock.events"
	TopicStockCommands   = "dayx.stock.commands"
	TopicDeadLetterQueue = "dayx.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// OutboxEnvelope: формат сообщения, которое outbox публикует в Kafka.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// StockCommand: внешняя команда на изменение остатка (приход на склад, возврат, инвентаризация).
type StockCommand struct {
	CommandID string `json:"command_id"`
	VariantID string `json:"variant_id"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	Reference string `json:"reference,omitempty"`
}

// ParseStockCommand разбирает и проверяет команду.
// Продажи проводит только оформление заказа, поэтому Sale извне не принимается.
func ParseStockCommand(value []byte) (StockCommand, domain.StockReason, error) {
	var cmd StockCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return StockCommand{}, "", fmt.Errorf("%w: unmarshal stock command: %v", domain.ErrValidation, err)
	}
	if strings.TrimSpace(cmd.VariantID) == "" {
		return StockCommand{}, "", domain.ErrVariantIDRequired
	}
	if cmd.Delta == 0 {
		return StockCommand{}, "", domain.ErrStockDeltaZero
	}
	reason, err := domain.ParseStockReason(cmd.Reason)
	if err != nil {
		return StockCommand{}, "", err
	}
	if reason == domain.StockReasonSale {
		return StockCommand{}, "", fmt.Errorf("%w: sale is booked by checkout only", domain.ErrStockReasonInvalid)
	}
	return cmd, reason, nil
}

// LedgerReference строит ссылку записи журнала для команды.
func (c StockCommand) LedgerReference() string {
	if c.Reference != "" {
		return c.Reference
	}
	if c.CommandID != "" {
		return "command:" + c.CommandID
	}
	return ""
}
