package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BalanceLookups     *prometheus.CounterVec
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	EventsPublished    *prometheus.CounterVec
	PendingTransitions *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		BalanceLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_balance_lookups_total",
				Help: "Total balance and transaction lookups.",
			},
			[]string{"kind", "status"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total ledger operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_events_published_total",
				Help: "Total ledger events handed to the publisher.",
			},
			[]string{"topic", "status"},
		),
		PendingTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transaction_transitions_total",
				Help: "Total transaction status transitions out of pending.",
			},
			[]string{"kind", "status"},
		),
	}

	registry.MustRegister(
		m.BalanceLookups,
		m.OperationsTotal,
		m.OperationDuration,
		m.EventsPublished,
		m.PendingTransitions,
	)
	return m
}

func (m *Metrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) IncLookup(kind, status string) {
	if m == nil {
		return
	}
	m.BalanceLookups.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) IncPublished(topic, status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic, status).Inc()
}

func (m *Metrics) IncTransition(kind, status string) {
	if m == nil {
		return
	}
	m.PendingTransitions.WithLabelValues(kind, status).Inc()
}
