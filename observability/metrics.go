package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoanMetrics records loan lifecycle activity: originations, payments,
// payoffs, defaults and rollovers, plus query API latencies.
type LoanMetrics struct {
	lifecycle *prometheus.CounterVec
	payments  prometheus.Counter
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

var (
	loanMetricsOnce sync.Once
	loanRegistry    *LoanMetrics
)

// Metrics returns the lazily-initialised lifecycle metrics registry.
func Metrics() *LoanMetrics {
	loanMetricsOnce.Do(func() {
		loanRegistry = &LoanMetrics{
			lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanchain",
				Subsystem: "ledger",
				Name:      "lifecycle_events_total",
				Help:      "Total loan lifecycle events segmented by event type.",
			}, []string{"event"}),
			payments: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanchain",
				Subsystem: "ledger",
				Name:      "payments_total",
				Help:      "Total payments applied against loans.",
			}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanchain",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total query API requests segmented by route and status.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loanchain",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for query API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			loanRegistry.lifecycle,
			loanRegistry.payments,
			loanRegistry.requests,
			loanRegistry.latency,
		)
	})
	return loanRegistry
}

// ObserveEvent records a lifecycle event by type.
func (m *LoanMetrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(eventType).Inc()
}

// ObservePayment records one applied payment.
func (m *LoanMetrics) ObservePayment() {
	if m == nil {
		return
	}
	m.payments.Inc()
}

// ObserveRequest records a query API request outcome and latency.
func (m *LoanMetrics) ObserveRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}
