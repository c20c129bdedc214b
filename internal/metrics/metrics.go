// Package metrics holds the Prometheus collectors for the reservation core.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	Reservations     *prometheus.CounterVec
	ReservedItems    *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec
	SweepExpired     prometheus.Counter
	SweepFailures    prometheus.Counter
	SweepDuration    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_reservations_total",
			Help: "Reserve calls by outcome (success, failure).",
		}, []string{"outcome"}),
		ReservedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_reservation_items_total",
			Help: "Requested reservation lines by outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_reservation_transitions_total",
			Help: "Committed reservation status transitions by target status.",
		}, []string{"status"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_version_conflict_retries_total",
			Help: "Retries scheduled after a version conflict, by operation kind.",
		}, []string{"operation"}),
		RetriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_version_conflict_exhausted_total",
			Help: "Operations that failed after exhausting conflict retries.",
		}, []string{"operation"}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_sweep_expired_total",
			Help: "Reservations expired by the sweeper.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_sweep_row_failures_total",
			Help: "Reservations the sweeper failed to expire.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stock_sweep_duration_seconds",
			Help:    "Duration of one sweep pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.Reservations, m.ReservedItems, m.Transitions, m.Retries, m.RetriesExhausted,
		m.SweepExpired, m.SweepFailures, m.SweepDuration,
	)
	return m
}

func (m *Metrics) ObserveReservation(success bool) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome(success)).Inc()
}

func (m *Metrics) ObserveItem(success bool) {
	if m == nil {
		return
	}
	m.ReservedItems.WithLabelValues(outcome(success)).Inc()
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSweep(expired, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepExpired.Add(float64(expired))
	m.SweepFailures.Add(float64(failed))
	m.SweepDuration.Observe(took.Seconds())
}

// RetryObserver counts retry signals. It satisfies retry.Observer.
type RetryObserver struct {
	M *Metrics
}

func (o RetryObserver) RetryScheduled(operation string, _ int, _ time.Duration, _ error) {
	if o.M == nil {
		return
	}
	o.M.Retries.WithLabelValues(OperationKind(operation)).Inc()
}

func (o RetryObserver) RetriesExhausted(operation string, _ int, _ error) {
	if o.M == nil {
		return
	}
	o.M.RetriesExhausted.WithLabelValues(OperationKind(operation)).Inc()
}

// OperationKind trims an operation name such as "reserve:product:7" down to
// "reserve" so label cardinality stays bounded.
func OperationKind(operation string) string {
	if i := strings.IndexByte(operation, ':'); i >= 0 {
		return operation[:i]
	}
	return operation
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
