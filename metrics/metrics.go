// Package metrics exports engine telemetry to Prometheus.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/taskmarket/market"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so the engine can run without a registry in tests.
type Metrics struct {
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	activeTasks   prometheus.Gauge
	feesAccrued   prometheus.Counter
	escrowedTotal prometheus.Counter
}

// New registers the engine collectors on reg (DefaultRegisterer when nil).
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmarket",
			Name:      "transitions_total",
			Help:      "Count of successful task state transitions.",
		}, []string{"event"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmarket",
			Name:      "call_failures_total",
			Help:      "Count of rejected or rolled-back mutating calls.",
		}, []string{"operation"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmarket",
			Name:      "active_tasks",
			Help:      "Tasks currently Open or Assigned.",
		}),
		feesAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmarket",
			Name:      "platform_fees_accrued_total",
			Help:      "Cumulative platform fees and forfeited penalties in base units.",
		}),
		escrowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmarket",
			Name:      "escrowed_total",
			Help:      "Cumulative value escrowed (bounties plus deposits) in base units.",
		}),
	}
	collectors := []prometheus.Collector{
		m.transitions, m.failures, m.activeTasks, m.feesAccrued, m.escrowedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return nil, fmt.Errorf("register engine metric: %w", err)
		}
	}
	return m, nil
}

// Transition records a successful state transition.
func (m *Metrics) Transition(event market.EventType) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(event)).Inc()
}

// Failure records a rejected or rolled-back mutating call.
func (m *Metrics) Failure(operation string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation).Inc()
}

// SetActive updates the active-task gauge.
func (m *Metrics) SetActive(n uint64) {
	if m == nil {
		return
	}
	m.activeTasks.Set(float64(n))
}

// AddFees records newly accrued platform fees.
func (m *Metrics) AddFees(amount market.Amount) {
	if m == nil {
		return
	}
	m.feesAccrued.Add(float64(amount))
}

// AddEscrowed records newly escrowed value.
func (m *Metrics) AddEscrowed(amount market.Amount) {
	if m == nil {
		return
	}
	m.escrowedTotal.Add(float64(amount))
}
