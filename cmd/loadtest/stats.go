package main

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	transportFailure = "transport_error"
	outcomeSoldOut   = "sold_out"
	outcomeOK        = "ok"

	// scenarioMethod: имя, под которым учитывается сценарий целиком.
	scenarioMethod = "scenario"
)

var latencyObjectives = map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001}

// collector копит результаты вызовов в собственном prometheus-реестре.
// Тот же реестр можно отдать по -metrics-addr во время прогона.
type collector struct {
	reg     *prometheus.Registry
	calls   *prometheus.CounterVec
	latency *prometheus.SummaryVec
}

func newCollector() *collector {
	c := &collector{
		reg: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loadtest_calls_total",
			Help: "Load test calls grouped by method, response code and result.",
		}, []string{"method", "code", "result"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "loadtest_call_duration_milliseconds",
			Help:       "Load test call latency.",
			Objectives: latencyObjectives,
			MaxAge:     24 * time.Hour,
		}, []string{"method"}),
	}
	c.reg.MustRegister(c.calls, c.latency)
	return c
}

// record учитывает один вызов. code: HTTP-статус либо исход сценария.
func (c *collector) record(method string, latency time.Duration, code string, ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	c.calls.WithLabelValues(method, code, result).Inc()
	c.latency.WithLabelValues(method).Observe(float64(latency.Microseconds()) / 1000)
}

type latencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// methods сводит содержимое реестра в отчёт по каждому методу.
func (c *collector) methods() map[string]methodReport {
	families, err := c.reg.Gather()
	if err != nil {
		return map[string]methodReport{}
	}

	out := make(map[string]methodReport)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := labelMap(m)
			method := labels["method"]
			r, ok := out[method]
			if !ok {
				r.Codes = make(map[string]int64)
			}

			switch family.GetName() {
			case "loadtest_calls_total":
				n := int64(m.GetCounter().GetValue())
				r.Calls += n
				r.Codes[labels["code"]] += n
				if labels["result"] == "ok" {
					r.Success += n
				} else {
					r.Failed += n
				}
			case "loadtest_call_duration_milliseconds":
				r.LatencyMs = summarize(m.GetSummary())
			}
			out[method] = r
		}
	}

	for method, r := range out {
		r.ErrorRate = ratio(r.Failed, r.Calls)
		out[method] = r
	}
	return out
}

func (c *collector) snapshot(method string) (methodReport, bool) {
	r, ok := c.methods()[method]
	return r, ok
}

func labelMap(m *dto.Metric) map[string]string {
	labels := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	return labels
}

func summarize(s *dto.Summary) latencySummary {
	var out latencySummary
	if s == nil || s.GetSampleCount() == 0 {
		return out
	}
	out.Avg = s.GetSampleSum() / float64(s.GetSampleCount())
	for _, q := range s.GetQuantile() {
		switch strconv.FormatFloat(q.GetQuantile(), 'f', -1, 64) {
		case "0.5":
			out.P50 = q.GetValue()
		case "0.95":
			out.P95 = q.GetValue()
		case "0.99":
			out.P99 = q.GetValue()
		}
	}
	return out
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
