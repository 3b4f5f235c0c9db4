// Package metrics defines the Prometheus metrics ward records. ward runs no
// listener; metrics are gathered by an embedding process or written to a
// node-exporter textfile.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ward"

// Metrics holds every ward metric. A nil *Metrics records nothing.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	LeasesIssued     prometheus.Counter
	LeaseSteps       *prometheus.CounterVec
	ViolationsTotal  *prometheus.CounterVec
	RevocationsTotal *prometheus.CounterVec
	PolicyReloads    *prometheus.CounterVec
	ActiveLeases     prometheus.Gauge
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Authority decisions by outcome",
			},
			[]string{"outcome"}, // approved/denied/needs_human
		),
		LeasesIssued: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_issued_total",
				Help:      "Leases issued by policy or human approval",
			},
		),
		LeaseSteps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_steps_total",
				Help:      "Lease step attempts",
			},
			[]string{"result"}, // ok/rejected
		),
		ViolationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_total",
				Help:      "Watchdog violations by type and severity",
			},
			[]string{"type", "severity"},
		),
		RevocationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revocations_total",
				Help:      "Lease revocations by reason",
			},
			[]string{"reason"},
		),
		PolicyReloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Policy reload attempts",
			},
			[]string{"result"}, // ok/error
		),
		ActiveLeases: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_leases",
				Help:      "Leases valid at the last count",
			},
		),
	}
}

func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LeaseIssued() {
	if m == nil {
		return
	}
	m.LeasesIssued.Inc()
}

func (m *Metrics) Step(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "rejected"
	}
	m.LeaseSteps.WithLabelValues(result).Inc()
}

func (m *Metrics) Violation(typ, severity string) {
	if m == nil {
		return
	}
	m.ViolationsTotal.WithLabelValues(typ, severity).Inc()
}

func (m *Metrics) Revocation(reason string) {
	if m == nil {
		return
	}
	m.RevocationsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) PolicyReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PolicyReloads.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActiveLeases(n int) {
	if m == nil {
		return
	}
	m.ActiveLeases.Set(float64(n))
}

// WriteTextfile writes everything in g to path in the text exposition
// format, for the node-exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
