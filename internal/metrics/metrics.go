// Package metrics registers the counters and gauges an external collector
// would scrape. It owns a prometheus.Registry but never starts an HTTP
// listener itself — mounting promhttp.HandlerFor(Registry, ...) is left to
// the process entrypoint, per spec.md §1's "metrics exposition endpoint"
// being an out-of-scope external collaborator.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the full set of instruments this module exposes.
type Metrics struct {
	Registry *prometheus.Registry

	PoolInUse         *prometheus.GaugeVec
	PoolIdle          *prometheus.GaugeVec
	LaneOccupancy     *prometheus.GaugeVec
	LaneWaitSeconds   *prometheus.HistogramVec
	XABranchesActive  *prometheus.GaugeVec
	EndpointHealth    *prometheus.GaugeVec
	EndpointInFlight  *prometheus.GaugeVec
	SessionsActive    prometheus.Gauge
	StatementsTotal   *prometheus.CounterVec
	StatementFailures *prometheus.CounterVec
	StatementSeconds  *prometheus.HistogramVec
}

// New builds and registers every instrument against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PoolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ojp", Subsystem: "pool", Name: "in_use",
			Help: "Physical connections currently checked out, by datasource.",
		}, []string{"datasource"}),
		PoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ojp", Subsystem: "pool", Name: "idle",
			Help: "Physical connections idle in the pool, by datasource.",
		}, []string{"datasource"}),
		LaneOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ojp", Subsystem: "segregator", Name: "lane_occupancy",
			Help: "Tokens currently taken from a slow-query segregation lane, by its own traffic or lent to the other lane.",
		}, []string{"datasource", "lane"}),
		LaneWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ojp", Subsystem: "segregator", Name: "lane_wait_seconds",
			Help:    "Time spent waiting for a lane admission token.",
			Buckets: prometheus.DefBuckets,
		}, []string{"datasource", "lane"}),
		XABranchesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ojp", Subsystem: "xa", Name: "branches_active",
			Help: "XA branches currently started, ended, or prepared.",
		}, []string{"datasource"}),
		EndpointHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ojp", Subsystem: "client", Name: "endpoint_health",
			Help: "1 if the endpoint is healthy, 0.5 if suspect, 0 if unhealthy.",
		}, []string{"endpoint"}),
		EndpointInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ojp", Subsystem: "client", Name: "endpoint_in_flight",
			Help: "In-flight RPCs bound to an endpoint, used by load-aware selection.",
		}, []string{"endpoint"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ojp", Subsystem: "session", Name: "active",
			Help: "Sessions currently tracked by the session store.",
		}),
		StatementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ojp", Subsystem: "dispatch", Name: "statements_total",
			Help: "Statements dispatched, by datasource and outcome.",
		}, []string{"datasource", "outcome"}),
		StatementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ojp", Subsystem: "dispatch", Name: "statement_failures_total",
			Help: "Statement failures, by datasource and error kind.",
		}, []string{"datasource", "error_kind"}),
		StatementSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ojp", Subsystem: "dispatch", Name: "statement_seconds",
			Help:    "Statement execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"datasource"}),
	}

	reg.MustRegister(
		m.PoolInUse, m.PoolIdle, m.LaneOccupancy, m.LaneWaitSeconds,
		m.XABranchesActive, m.EndpointHealth, m.EndpointInFlight,
		m.SessionsActive, m.StatementsTotal, m.StatementFailures, m.StatementSeconds,
	)
	return m
}
