package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics: метрики оформления заказов.
type CheckoutMetrics struct {
	started       prometheus.Counter
	completed     prometheus.Counter
	failed        *prometheus.CounterVec
	compensations prometheus.Counter
	inFlight      prometheus.Gauge
	duration      prometheus.Histogram
}

// NewCheckoutMetrics регистрирует метрики оформления в DefaultRegisterer.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	return &CheckoutMetrics{
		started: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_checkout_started_total",
			Help: "Total number of checkouts started",
		}),
		completed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_checkout_completed_total",
			Help: "Total number of checkouts that produced an order",
		}),
		failed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_checkout_failed_total",
			Help: "Failed checkouts, by cause (validation, empty_cart, stock, storage)",
		}, []string{"cause"}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_checkout_compensations_total",
			Help: "Compensating stock entries written after a failed checkout",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "dayx_checkout_in_flight",
			Help: "Number of checkouts currently in progress",
		}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "dayx_checkout_duration_seconds",
			Help:    "Duration of checkout operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
	}
}

// RecordStarted учитывает начало оформления и увеличивает число активных.
func (m *CheckoutMetrics) RecordStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.inFlight.Inc()
}

// RecordFinished фиксирует длительность и уменьшает число активных.
func (m *CheckoutMetrics) RecordFinished(duration time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.duration.Observe(duration.Seconds())
}

func (m *CheckoutMetrics) RecordCompleted() {
	if m == nil {
		return
	}
	m.completed.Inc()
}

func (m *CheckoutMetrics) RecordFailed(cause string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(cause).Inc()
}

func (m *CheckoutMetrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}
