// Package metrics exposes the Prometheus instruments of the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_engine_runs_total",
			Help: "Total number of finished runs by unit, state and error reason",
		},
		[]string{"unit", "state", "reason"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_engine_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"unit"},
	)

	UnitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_engine_unit_state",
			Help: "Current state of a unit (1 for the active state)",
		},
		[]string{"unit", "state"},
	)

	UnitDrifted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_engine_unit_drifted",
			Help: "Whether the live resources of a unit differ from what was applied (1 = drifted)",
		},
		[]string{"unit"},
	)

	DriftedResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_engine_drifted_resources",
			Help: "Number of drifted resources per unit",
		},
		[]string{"unit"},
	)

	// Source metrics
	SourcePollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_engine_source_polls_total",
			Help: "Total number of source polls by result",
		},
		[]string{"source", "result"},
	)

	// Rollout metrics
	RolloutWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_engine_rollout_weight",
			Help: "Share of traffic routed to the candidate in percent",
		},
		[]string{"unit"},
	)

	RolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_engine_rollouts_total",
			Help: "Total number of completed rollouts by outcome",
		},
		[]string{"unit", "outcome"},
	)

	// Work queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_engine_queue_depth",
			Help: "Number of units waiting for a worker",
		},
	)
)

var states = []string{"Pending", "Planning", "Applying", "HealthChecking", "Ready", "Failed", "Suspended"}

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(UnitState)
	prometheus.MustRegister(UnitDrifted)
	prometheus.MustRegister(DriftedResources)
	prometheus.MustRegister(SourcePollsTotal)
	prometheus.MustRegister(RolloutWeight)
	prometheus.MustRegister(RolloutsTotal)
	prometheus.MustRegister(QueueDepth)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetUnitState marks state as the only active state of the unit
func SetUnitState(unitID string, state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		UnitState.WithLabelValues(unitID, s).Set(v)
	}
}

// SetDrift records the outcome of a drift check
func SetDrift(unitID string, drifted int) {
	v := 0.0
	if drifted > 0 {
		v = 1
	}
	UnitDrifted.WithLabelValues(unitID).Set(v)
	DriftedResources.WithLabelValues(unitID).Set(float64(drifted))
}

// ForgetUnit drops every series of a removed unit
func ForgetUnit(unitID string) {
	labels := prometheus.Labels{"unit": unitID}
	for _, vec := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{RunsTotal, RunDuration, UnitState, UnitDrifted, DriftedResources, RolloutWeight, RolloutsTotal} {
		vec.DeletePartialMatch(labels)
	}
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDurationVec records the elapsed time in the histogram selected by labels
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
