package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the domain counters exported next to the HTTP metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	renders        *prometheus.CounterVec
	trafficEntries *prometheus.CounterVec
	reconcileRows  *prometheus.CounterVec
}

// NewMetrics registers the domain counters on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "sspanel"
	}
	factory := promauto.With(reg)
	return &Metrics{
		renders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_renders_total",
			Help:      "Subscription requests by format and outcome.",
		}, []string{"format", "result"}),
		trafficEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traffic_entries_total",
			Help:      "Traffic report entries by outcome.",
		}, []string{"result"}),
		reconcileRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_rows_total",
			Help:      "Durable usage rows written by reconciliation.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) observeRender(format, result string) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(format, result).Inc()
}

func (m *Metrics) observeTraffic(processed, failed int) {
	if m == nil {
		return
	}
	m.trafficEntries.WithLabelValues("processed").Add(float64(processed))
	m.trafficEntries.WithLabelValues("failed").Add(float64(failed))
}

// ObserveReconcile adds the rows written for kind ("user" or "node").
func (m *Metrics) ObserveReconcile(kind string, rows int) {
	if m == nil {
		return
	}
	m.reconcileRows.WithLabelValues(kind).Add(float64(rows))
}
