package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConsumerMetrics считает сообщения, обработанные консьюмерами Kafka.
type ConsumerMetrics struct {
	messages *prometheus.CounterVec
	retries  *prometheus.CounterVec
}

// NewConsumerMetrics регистрирует метрики консьюмера в DefaultRegisterer.
func NewConsumerMetrics() *ConsumerMetrics {
	return NewConsumerMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func NewConsumerMetricsWithRegisterer(registerer prometheus.Registerer) *ConsumerMetrics {
	return &ConsumerMetrics{
		messages: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_kafka_messages_total",
			Help: "Consumed kafka messages grouped by topic and outcome.",
		}, []string{"topic", "result"}),
		retries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_kafka_message_retries_total",
			Help: "In-process handler retries grouped by topic.",
		}, []string{"topic"}),
	}
}

// RecordMessage учитывает итог обработки: handled, dead_lettered, dlq_failed, abandoned.
func (m *ConsumerMetrics) RecordMessage(topic, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(topic, result).Inc()
}

func (m *ConsumerMetrics) RecordRetry(topic string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(topic).Inc()
}
