package metrics

import "github.com/prometheus/client_golang/prometheus"

// OrderMetrics содержит метрики жизненного цикла заказа.
type OrderMetrics struct {
	created        prometheus.Counter
	transitions    *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	conflicts      prometheus.Counter
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewOrderMetrics регистрирует метрики заказов в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	return &OrderMetrics{
		created: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_orders_created_total",
			Help: "Total number of orders created",
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_order_transitions_total",
			Help: "Order status transitions, by source and target status",
		}, []string{"from", "to"}),
		rejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_order_transitions_rejected_total",
			Help: "Rejected order transitions, by action",
		}, []string{"action"}),
		conflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_order_concurrent_updates_total",
			Help: "Compare-and-set conflicts on order status",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
	}
}

func (m *OrderMetrics) RecordCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

// RecordTransition учитывает успешный переход статуса.
func (m *OrderMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordRejected учитывает переход, запрещённый машиной состояний.
func (m *OrderMetrics) RecordRejected(action string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(action).Inc()
}

func (m *OrderMetrics) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// RecordEvent учитывает событие, записанное в timeline и outbox.
func (m *OrderMetrics) RecordEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
	m.outboxEvents.Inc()
}
