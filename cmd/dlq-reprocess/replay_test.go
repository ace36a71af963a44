package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/messaging/kafka"
)

const restockCommand = `{"command_id":"c1","variant_id":"variant-1","delta":5,"reason":"Restock"}`

// commandRecord строит запись, которую пишет консьюмер после исчерпания повторов.
func commandRecord(t *testing.T, topic, key, value string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"original_topic":     topic,
		"original_partition": 0,
		"original_offset":    12,
		"original_key":       key,
		"original_value":     value,
		"error_message":      "storage unavailable",
		"failed_at":          time.Now().UTC().Format(time.RFC3339),
		"retry_count":        3,
	})
	require.NoError(t, err)
	return raw
}

// eventRecord строит конверт DLQ, который публикует outbox worker.
func eventRecord(t *testing.T, aggregateType, aggregateID, eventType string, payload any) []byte {
	t.Helper()
	inner := map[string]any{
		"outbox_id":      "outbox-7",
		"aggregate_type": aggregateType,
		"aggregate_id":   aggregateID,
		"event_type":     eventType,
		"publish_error":  "broker unavailable",
	}
	if payload != nil {
		inner["payload"] = payload
	}
	innerRaw, err := json.Marshal(inner)
	require.NoError(t, err)

	raw, err := json.Marshal(kafka.OutboxEnvelope{
		ID:            "outbox-7",
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       innerRaw,
		PublishedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return raw
}

func TestDecodeDeadLetter_StockCommand(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: commandRecord(t, kafka.TopicStockCommands, "variant-1", restockCommand)}

	dl, err := decodeDeadLetter(msg, kafka.TopicStockCommands)
	require.NoError(t, err)
	require.Equal(t, kindCommand, dl.kind)
	require.Equal(t, kafka.TopicStockCommands, dl.topic)
	require.Equal(t, "variant-1", dl.key)
	require.Equal(t, "variant-1", dl.variantID)
	require.JSONEq(t, restockCommand, string(dl.value))
}

func TestDecodeDeadLetter_TopicFromHeader(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Value: commandRecord(t, "", "", restockCommand),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte(kafka.TopicStockCommands)},
		},
	}

	dl, err := decodeDeadLetter(msg, kafka.TopicStockCommands)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicStockCommands, dl.topic)
	require.Equal(t, "variant-1", dl.key, "key falls back to the command variant")
}

func TestDecodeDeadLetter_RejectsCommandsThatFailAgain(t *testing.T) {
	tests := map[string]string{
		"sale":       `{"variant_id":"variant-1","delta":-1,"reason":"Sale"}`,
		"zero delta": `{"variant_id":"variant-1","delta":0,"reason":"Restock"}`,
		"broken":     `{"variant_id":`,
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			msg := &sarama.ConsumerMessage{Value: commandRecord(t, kafka.TopicStockCommands, "k", value)}
			_, err := decodeDeadLetter(msg, kafka.TopicStockCommands)
			require.ErrorContains(t, err, "cannot be replayed")
		})
	}
}

func TestDecodeDeadLetter_OtherConsumerTopicIsNotValidated(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: commandRecord(t, "dayx.custom", "k", `{"anything":true}`)}

	dl, err := decodeDeadLetter(msg, kafka.TopicStockCommands)
	require.NoError(t, err)
	require.Equal(t, "dayx.custom", dl.topic)
	require.Empty(t, dl.variantID)
}

func TestDecodeDeadLetter_ConsumerRecordWithoutTopic(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: commandRecord(t, "", "k", restockCommand)}

	_, err := decodeDeadLetter(msg, kafka.TopicStockCommands)
	require.ErrorContains(t, err, "no original topic")
}

func TestDecodeDeadLetter_OutboxEvents(t *testing.T) {
	stock := &sarama.ConsumerMessage{Value: eventRecord(t, domain.AggregateVariant, "variant-9", "StockAdjusted", map[string]any{"delta": 4})}

	dl, err := decodeDeadLetter(stock, kafka.TopicStockCommands)
	require.NoError(t, err)
	require.Equal(t, kindEvent, dl.kind)
	require.Equal(t, "variant-9", dl.key)
	require.Equal(t, "variant-9", dl.variantID)
	require.Equal(t, "outbox-7", dl.event.ID)
	require.Equal(t, "StockAdjusted", dl.event.EventType)
	require.JSONEq(t, `{"delta":4}`, string(dl.event.Payload))

	order := &sarama.ConsumerMessage{Value: eventRecord(t, domain.AggregateOrder, "order-3", domain.EventOrderCreated, map[string]any{"order_id": "order-3"})}

	dl, err = decodeDeadLetter(order, kafka.TopicStockCommands)
	require.NoError(t, err)
	require.Equal(t, domain.AggregateOrder, dl.event.AggregateType)
	require.Empty(t, dl.variantID)
}

func TestDecodeDeadLetter_Invalid(t *testing.T) {
	_, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: eventRecord(t, domain.AggregateOrder, "order-1", domain.EventOrderCreated, nil)}, kafka.TopicStockCommands)
	require.ErrorContains(t, err, "no event payload")

	_, err = decodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(`{"id":"x","payload":"not-an-object"}`)}, kafka.TopicStockCommands)
	require.ErrorContains(t, err, "decode outbox record")

	for _, raw := range []string{`not json`, `{"foo":1}`, `{}`} {
		_, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(raw)}, kafka.TopicStockCommands)
		require.ErrorIs(t, err, errUnknownRecord, raw)
	}
}

func TestReplayFilter(t *testing.T) {
	command := deadLetter{kind: kindCommand, variantID: "variant-1"}
	stockEvent := deadLetter{kind: kindEvent, variantID: "variant-2", event: domain.OutboxMessage{EventType: "StockAdjusted"}}
	orderEvent := deadLetter{kind: kindEvent, event: domain.OutboxMessage{EventType: domain.EventOrderCreated}}

	tests := []struct {
		name   string
		filter replayFilter
		want   []bool
	}{
		{name: "everything", filter: replayFilter{}, want: []bool{true, true, true}},
		{name: "commands", filter: replayFilter{kind: kindCommand}, want: []bool{true, false, false}},
		{name: "events", filter: replayFilter{kind: kindEvent}, want: []bool{false, true, true}},
		{name: "event type", filter: replayFilter{eventType: domain.EventOrderCreated}, want: []bool{false, false, true}},
		{name: "variant", filter: replayFilter{variantID: "variant-2"}, want: []bool{false, true, false}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := []bool{tc.filter.match(command), tc.filter.match(stockEvent), tc.filter.match(orderEvent)}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]recordKind{"": kindAny, "ALL": kindAny, "commands": kindCommand, " events ": kindEvent} {
		got, err := parseKind(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := parseKind("orders")
	require.ErrorContains(t, err, "unsupported -only value")
}

func TestReplaySummaryWrite(t *testing.T) {
	s := newSummary()
	s.Scanned, s.Replayed, s.Filtered, s.Invalid = 5, 3, 1, 1
	s.ByTopic[kafka.TopicStockEvents] = 1
	s.ByTopic[kafka.TopicOrderEvents] = 2

	var out bytes.Buffer
	require.NoError(t, s.write(&out, false))
	require.Equal(t,
		"dlq dry-run: scanned=5 would_replay=3 filtered=1 invalid=1\n"+
			"  dayx.order.events: 2\n"+
			"  dayx.stock.events: 1\n",
		out.String())

	out.Reset()
	require.NoError(t, s.write(&out, true))
	require.Contains(t, out.String(), "dlq execute: scanned=5 replayed=3")
}
