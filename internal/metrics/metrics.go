// Package metrics exposes Prometheus counters for sales, returns and HTTP
// traffic. Every method is safe on a nil receiver.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pharmapos"

type Metrics struct {
	salesCreated      *prometheus.CounterVec
	salesVoided       prometheus.Counter
	returnsCreated    *prometheus.CounterVec
	returnDecisions   *prometheus.CounterVec
	creditNotesIssued prometheus.Counter
	requestDuration   *prometheus.HistogramVec
}

// New registers the metrics on reg. A nil reg yields a recorder that drops
// everything.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		salesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_created_total",
			Help:      "Completed sales by sale type.",
		}, []string{"sale_type"}),
		salesVoided: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_voided_total",
			Help:      "Voided sales.",
		}),
		returnsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "returns_created_total",
			Help:      "Returns recorded by initial status.",
		}, []string{"status"}),
		returnDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "return_decisions_total",
			Help:      "Approval decisions on returns.",
		}, []string{"decision"}),
		creditNotesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_notes_issued_total",
			Help:      "Credit notes issued from returns.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.salesCreated, m.salesVoided, m.returnsCreated, m.returnDecisions, m.creditNotesIssued, m.requestDuration)
	return m
}

func (m *Metrics) SaleCreated(saleType string) {
	if m == nil || m.salesCreated == nil {
		return
	}
	m.salesCreated.WithLabelValues(normalizeLabel(saleType)).Inc()
}

func (m *Metrics) SaleVoided() {
	if m == nil || m.salesVoided == nil {
		return
	}
	m.salesVoided.Inc()
}

func (m *Metrics) ReturnCreated(status string) {
	if m == nil || m.returnsCreated == nil {
		return
	}
	m.returnsCreated.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) ReturnDecided(decision string) {
	if m == nil || m.returnDecisions == nil {
		return
	}
	m.returnDecisions.WithLabelValues(normalizeLabel(decision)).Inc()
}

func (m *Metrics) CreditNoteIssued() {
	if m == nil || m.creditNotesIssued == nil {
		return
	}
	m.creditNotesIssued.Inc()
}

func (m *Metrics) ObserveRequest(method string, route string, status int, elapsed time.Duration) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, normalizeLabel(route), strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
