package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics: метрики публикации transactional outbox.
type OutboxMetrics struct {
	attempts      *prometheus.CounterVec
	pending       prometheus.Gauge
	oldestPending prometheus.Gauge
	cleanupRuns   *prometheus.CounterVec
	purged        prometheus.Counter
	lastPurged    prometheus.Gauge
}

// NewOutboxMetrics регистрирует метрики outbox в DefaultRegisterer.
func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOutboxMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	return &OutboxMetrics{
		attempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"}),
		pending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "dayx_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		}),
		oldestPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "dayx_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		}),
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_outbox_cleanup_runs_total",
			Help: "Total number of outbox cleanup runs grouped by result.",
		}, []string{"result"}),
		purged: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_outbox_cleanup_deleted_total",
			Help: "Total number of purged sent outbox records.",
		}),
		lastPurged: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "dayx_outbox_cleanup_last_deleted",
			Help: "Number of purged records during the last cleanup run.",
		}),
	}
}

// RecordAttempt учитывает попытку публикации: sent, retry_error, failed, dlq_failed.
func (m *OutboxMetrics) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

// SetBacklog обновляет размер backlog и возраст самой старой записи.
func (m *OutboxMetrics) SetBacklog(pending int, oldest time.Time) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	if pending == 0 || oldest.IsZero() {
		m.oldestPending.Set(0)
		return
	}
	age := time.Since(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	m.oldestPending.Set(age)
}

// RecordCleanup учитывает прогон очистки: ok или error.
func (m *OutboxMetrics) RecordCleanup(result string, deleted int) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
	if result != "ok" {
		return
	}
	m.purged.Add(float64(deleted))
	m.lastPurged.Set(float64(deleted))
}
