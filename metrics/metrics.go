// Package metrics holds the Prometheus collectors shared by the runtime
// scheduler and the plan runner.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run modes.
const (
	ModeRuntime = "runtime"
	ModePlan    = "plan"
)

var (
	// nodeDuration tracks node execution latency by kind and outcome
	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowdag_node_duration_seconds",
		Help:    "Node execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"mode", "kind", "status"})

	// nodesTotal counts finished nodes by kind and outcome
	nodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdag_nodes_total",
		Help: "Total finished nodes by kind and status",
	}, []string{"mode", "kind", "status"})

	// nodesInFlight is the number of nodes currently executing
	nodesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowdag_nodes_in_flight",
		Help: "Nodes currently executing",
	}, []string{"mode"})

	// runsTotal counts finished runs by outcome
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdag_runs_total",
		Help: "Total finished runs by mode and result",
	}, []string{"mode", "result"})

	// runDuration tracks whole-run latency
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowdag_run_duration_seconds",
		Help:    "Run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"mode"})
)

// NodeStarted marks a node as in flight.
func NodeStarted(mode string) {
	nodesInFlight.WithLabelValues(mode).Inc()
}

// NodeFinished records a node's outcome and takes it out of flight.
func NodeFinished(mode, kind, status string, d time.Duration) {
	nodesInFlight.WithLabelValues(mode).Dec()
	nodesTotal.WithLabelValues(mode, kind, status).Inc()
	nodeDuration.WithLabelValues(mode, kind, status).Observe(d.Seconds())
}

// RunFinished records a run's outcome.
func RunFinished(mode string, ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	runsTotal.WithLabelValues(mode, result).Inc()
	runDuration.WithLabelValues(mode).Observe(d.Seconds())
}
