// Package metrics exposes the tracker's prometheus metrics. Everything
// is registered in init and served by the daemon at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DiscoveryRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_discovery_runs_total",
		Help: "Discovery engine runs",
	})

	DiscoveryPhaseFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_discovery_phase_failures_total",
		Help: "Discovery phases that failed and degraded the run",
	}, []string{"phase"})

	DiscoveredBots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_discovered_bots",
		Help: "Bots in the most recent discovery run",
	})

	PhaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_provision_phase_transitions_total",
		Help: "Provision phase transitions applied",
	}, []string{"phase"})

	ProvisionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_provision_failures_total",
		Help: "Provisions that reached the failed phase",
	})

	OperatorPollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_operator_poll_failures_total",
		Help: "Operator progress poll failures",
	})

	ReconcileRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_reconcile_repairs_total",
		Help: "Provisions repaired by the reconcile pass",
	})
)

func init() {
	prometheus.MustRegister(
		DiscoveryRuns,
		DiscoveryPhaseFailures,
		DiscoveredBots,
		PhaseTransitions,
		ProvisionFailures,
		OperatorPollFailures,
		ReconcileRepairs,
	)
}
