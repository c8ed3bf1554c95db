package observability

import (
	"loanchain/core/events"
	"loanchain/native/loan"
)

// MetricsEmitter counts lifecycle events as they are emitted and forwards
// them to an optional downstream emitter.
type MetricsEmitter struct {
	metrics *LoanMetrics
	next    events.Emitter
}

// NewMetricsEmitter wraps the given downstream emitter; nil selects a no-op
// downstream.
func NewMetricsEmitter(metrics *LoanMetrics, next events.Emitter) *MetricsEmitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &MetricsEmitter{metrics: metrics, next: next}
}

// Emit implements events.Emitter.
func (e *MetricsEmitter) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	e.metrics.ObserveEvent(eventType)
	switch eventType {
	case loan.EventTypeInstallmentPaid, loan.EventTypeLoanRepaid:
		e.metrics.ObservePayment()
	}
	e.next.Emit(evt)
}
