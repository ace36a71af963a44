package metrics

import "github.com/prometheus/client_golang/prometheus"

// LedgerMetrics: метрики журнала остатков.
type LedgerMetrics struct {
	adjustments *prometheus.CounterVec
	rejected    prometheus.Counter
	cacheLookup *prometheus.CounterVec
	mismatches  prometheus.Counter
}

// NewLedgerMetrics регистрирует метрики журнала в DefaultRegisterer.
func NewLedgerMetrics() *LedgerMetrics {
	return NewLedgerMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLedgerMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewLedgerMetricsWithRegisterer(registerer prometheus.Registerer) *LedgerMetrics {
	return &LedgerMetrics{
		adjustments: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_stock_adjustments_total",
			Help: "Stock adjustments applied, by reason",
		}, []string{"reason"}),
		rejected: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_stock_adjustments_rejected_total",
			Help: "Stock adjustments rejected because stock would go negative",
		}),
		cacheLookup: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "dayx_stock_cache_lookups_total",
			Help: "Stock cache lookups, by result (hit, miss, error)",
		}, []string{"result"}),
		mismatches: registerCounter(registerer, prometheus.CounterOpts{
			Name: "dayx_stock_ledger_mismatches_total",
			Help: "Detected differences between materialized stock and ledger sum",
		}),
	}
}

// RecordAdjustment учитывает применённое изменение остатка.
func (m *LedgerMetrics) RecordAdjustment(reason string) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(reason).Inc()
}

// RecordRejected учитывает отклонённое изменение (остаток ушёл бы в минус).
func (m *LedgerMetrics) RecordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// RecordCacheLookup учитывает обращение к кэшу остатков.
func (m *LedgerMetrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookup.WithLabelValues(result).Inc()
}

// RecordMismatch учитывает расхождение остатка с журналом.
func (m *LedgerMetrics) RecordMismatch() {
	if m == nil {
		return
	}
	m.mismatches.Inc()
}
