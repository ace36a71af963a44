package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/IBM/sarama"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/messaging/kafka"
	"github.com/somenicecode/dayx/internal/service/outbox"
)

// recordKind: кто положил запись в DLQ.
type recordKind string

const (
	kindAny     recordKind = ""
	kindCommand recordKind = "command" // консьюмер не смог применить сообщение
	kindEvent   recordKind = "event"   // outbox не смог опубликовать событие
)

func parseKind(raw string) (recordKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all":
		return kindAny, nil
	case "commands":
		return kindCommand, nil
	case "events":
		return kindEvent, nil
	default:
		return kindAny, fmt.Errorf("unsupported -only value %q (use all|commands|events)", raw)
	}
}

var errUnknownRecord = errors.New("unknown dlq record format")

// deadLetter: исходное сообщение, восстановленное из записи DLQ.
// Для событий заполнено event, для команд topic/key/value.
type deadLetter struct {
	kind      recordKind
	topic     string
	key       string
	value     []byte
	event     domain.OutboxMessage
	variantID string
}

// decodeDeadLetter разбирает запись DLQ. commandTopic: топик складских команд,
// такие записи проверяются kafka.ParseStockCommand.
func decodeDeadLetter(msg *sarama.ConsumerMessage, commandTopic string) (deadLetter, error) {
	var rec kafka.ConsumerDeadLetter
	if json.Unmarshal(msg.Value, &rec) == nil && rec.OriginalValue != "" {
		return fromConsumerRecord(msg, rec, commandTopic)
	}

	var env kafka.OutboxEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || len(env.Payload) == 0 {
		return deadLetter{}, errUnknownRecord
	}
	return fromOutboxEnvelope(env)
}

func fromConsumerRecord(msg *sarama.ConsumerMessage, rec kafka.ConsumerDeadLetter, commandTopic string) (deadLetter, error) {
	topic := strings.TrimSpace(rec.OriginalTopic)
	if topic == "" {
		topic = strings.TrimSpace(header(msg, kafka.HeaderOriginalTopic))
	}
	if topic == "" {
		return deadLetter{}, errors.New("consumer record has no original topic")
	}

	dl := deadLetter{
		kind:  kindCommand,
		topic: topic,
		key:   rec.OriginalKey,
		value: []byte(rec.OriginalValue),
	}
	if topic != commandTopic {
		return dl, nil
	}

	cmd, _, err := kafka.ParseStockCommand(dl.value)
	if err != nil {
		return deadLetter{}, fmt.Errorf("stock command cannot be replayed: %w", err)
	}
	dl.variantID = cmd.VariantID
	if dl.key == "" {
		dl.key = cmd.VariantID
	}
	return dl, nil
}

func fromOutboxEnvelope(env kafka.OutboxEnvelope) (deadLetter, error) {
	var rec outbox.DeadLetter
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return deadLetter{}, fmt.Errorf("decode outbox record: %w", err)
	}
	if len(rec.Payload) == 0 || string(rec.Payload) == "null" {
		return deadLetter{}, errors.New("outbox record carries no event payload")
	}

	event := domain.OutboxMessage{
		ID:            firstNonEmpty(rec.OutboxID, env.ID),
		AggregateType: firstNonEmpty(rec.AggregateType, env.AggregateType),
		AggregateID:   firstNonEmpty(rec.AggregateID, env.AggregateID),
		EventType:     firstNonEmpty(rec.EventType, env.EventType),
		Payload:       []byte(rec.Payload),
	}
	dl := deadLetter{kind: kindEvent, event: event, key: event.AggregateID}
	if dl.key == "" {
		dl.key = event.ID
	}
	if event.AggregateType == domain.AggregateVariant {
		dl.variantID = event.AggregateID
	}
	return dl, nil
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// replayFilter отбирает записи для повтора; пустые поля не ограничивают.
type replayFilter struct {
	kind      recordKind
	eventType string
	variantID string
}

func (f replayFilter) match(dl deadLetter) bool {
	if f.kind != kindAny && f.kind != dl.kind {
		return false
	}
	if f.eventType != "" && (dl.kind != kindEvent || dl.event.EventType != f.eventType) {
		return false
	}
	if f.variantID != "" && dl.variantID != f.variantID {
		return false
	}
	return true
}

// replaySummary: итог просмотра DLQ.
type replaySummary struct {
	Scanned  int
	Replayed int
	Filtered int
	Invalid  int
	ByTopic  map[string]int
}

func newSummary() replaySummary {
	return replaySummary{ByTopic: make(map[string]int)}
}

func (s replaySummary) write(w io.Writer, execute bool) error {
	mode := "dry-run"
	verb := "would replay"
	if execute {
		mode = "execute"
		verb = "replayed"
	}
	if _, err := fmt.Fprintf(w, "dlq %s: scanned=%d %s=%d filtered=%d invalid=%d\n",
		mode, s.Scanned, strings.ReplaceAll(verb, " ", "_"), s.Replayed, s.Filtered, s.Invalid); err != nil {
		return err
	}

	topics := make([]string, 0, len(s.ByTopic))
	for topic := range s.ByTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if _, err := fmt.Fprintf(w, "  %s: %d\n", topic, s.ByTopic[topic]); err != nil {
			return err
		}
	}
	return nil
}
