package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Oracle call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeMalformed   = "malformed"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
)

// Metrics holds the pipeline's Prometheus collectors on a dedicated
// registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// ItemsTotal counts items leaving each stage.
	// Labels: stage (fetched, in_scope, skipped, scored, themed, alerts, discovered)
	ItemsTotal *prometheus.CounterVec

	// OracleCalls counts oracle attempts.
	// Labels: stage (score, synthesize, review), outcome
	OracleCalls *prometheus.CounterVec

	// RunsTotal counts finished runs.
	// Labels: status (complete, quiet_week, failed)
	RunsTotal *prometheus.CounterVec

	// RunDuration tracks end-to-end run duration.
	RunDuration prometheus.Histogram

	// FetchFailures counts sources that could not be fetched.
	FetchFailures prometheus.Counter

	// OracleCostUSD accumulates oracle spend.
	OracleCostUSD prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ItemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "newshound",
				Name:      "items_total",
				Help:      "Items leaving each pipeline stage",
			},
			[]string{"stage"},
		),
		OracleCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "newshound",
				Name:      "oracle_calls_total",
				Help:      "Oracle call attempts by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "newshound",
				Name:      "runs_total",
				Help:      "Finished triage runs by status",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "newshound",
				Name:      "run_duration_seconds",
				Help:      "Duration of triage runs in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		FetchFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "newshound",
				Name:      "fetch_failures_total",
				Help:      "Sources that failed to fetch",
			},
		),
		OracleCostUSD: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "newshound",
				Name:      "oracle_cost_usd_total",
				Help:      "Estimated oracle spend in US dollars",
			},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AddItems records n items leaving stage.
func (m *Metrics) AddItems(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsTotal.WithLabelValues(stage).Add(float64(n))
}

// OracleCall records one oracle attempt.
func (m *Metrics) OracleCall(stage, outcome string) {
	if m == nil {
		return
	}
	m.OracleCalls.WithLabelValues(stage, outcome).Inc()
}

// FetchFailed records failed sources.
func (m *Metrics) FetchFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FetchFailures.Add(float64(n))
}

// RunFinished records a run's terminal status, duration and cost.
func (m *Metrics) RunFinished(status string, d time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
	if costUSD > 0 {
		m.OracleCostUSD.Add(costUSD)
	}
}
