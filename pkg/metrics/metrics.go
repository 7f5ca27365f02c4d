// Package metrics exposes Prometheus collectors for the control plane and
// agent processes, plus the small HTTP handlers that serve them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent pool metrics (controller side)
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snops_agents_total",
			Help: "Total number of known agents by connectivity and mode",
		},
		[]string{"connected", "mode"},
	)

	EnvironmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snops_environments_total",
			Help: "Total number of environments known to the controller",
		},
	)

	// Reconciler metrics (agent side)
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snops_reconciliation_duration_seconds",
			Help:    "Time taken for a full reconcile cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_reconciliation_cycles_total",
			Help: "Total number of reconcile cycles by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileConditionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snops_reconcile_pending_conditions",
			Help: "Whether a given reconcile condition is currently active (1) or not (0)",
		},
		[]string{"condition"},
	)

	// Process supervisor metrics (agent side)
	ProcessRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snops_process_restarts_total",
			Help: "Total number of times the agent has spawned a replacement node process",
		},
	)

	// Transfer monitor metrics (agent side)
	TransfersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snops_transfers_active",
			Help: "Number of file transfers currently in progress",
		},
	)

	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_transfer_bytes_total",
			Help: "Total bytes transferred, by transfer source",
		},
		[]string{"source"},
	)

	// Cannon pipeline metrics (controller side)
	CannonStageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_cannon_stage_transitions_total",
			Help: "Total cannon transaction stage transitions",
		},
		[]string{"cannon", "stage"},
	)

	CannonAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_cannon_attempts_total",
			Help: "Total cannon stage attempts (including retries)",
		},
		[]string{"cannon", "stage"},
	)

	CannonPendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snops_cannon_pending",
			Help: "Transactions currently pending in a cannon's tracker, by status",
		},
		[]string{"cannon", "status"},
	)

	BroadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snops_cannon_broadcast_duration_seconds",
			Help:    "Time taken for a broadcast attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPC mux metrics (both sides)
	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snops_rpc_request_duration_seconds",
			Help:    "Duration of mux RPC calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction", "method"},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_rpc_requests_total",
			Help: "Total mux RPC calls by direction, method and outcome",
		},
		[]string{"direction", "method", "outcome"},
	)

	// HTTP API metrics (controller side)
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_api_requests_total",
			Help: "Total HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snops_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_events_published_total",
			Help: "Total events published on the bus, by kind",
		},
		[]string{"kind"},
	)

	EventSubscribersLaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snops_event_subscribers_lagged_total",
			Help: "Total number of times a subscriber fell behind and received a Lagged notification",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		EnvironmentsTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconcileConditionsGauge,
		ProcessRestartsTotal,
		TransfersActive,
		TransferBytesTotal,
		CannonStageTotal,
		CannonAttemptsTotal,
		CannonPendingGauge,
		BroadcastDuration,
		RPCRequestDuration,
		RPCRequestsTotal,
		APIRequestsTotal,
		APIRequestDuration,
		EventsPublishedTotal,
		EventSubscribersLaggedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations and recording the result to
// a histogram once the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
