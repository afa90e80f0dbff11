// Package metrics tracks batch outcomes in a Prometheus registry. neurorun
// runs as a short-lived command, so metrics are exported as a textfile for
// node_exporter's textfile collector rather than served over HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "neurorun"

// Batch holds the collectors updated by one batch run.
type Batch struct {
	registry *prometheus.Registry

	outcomes  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	eligible  *prometheus.GaugeVec
	skipped   *prometheus.GaugeVec
	inFlight  prometheus.Gauge
	lastRun   *prometheus.GaugeVec
}

// NewBatch creates a Batch backed by its own registry.
func NewBatch() *Batch {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Batch{
		registry: reg,
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage runs by terminal status and failure reason.",
		}, []string{"stage", "status", "reason"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stage runs.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
		}, []string{"stage"}),
		eligible: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_eligible_participants",
			Help:      "Participants selected to run in the last batch.",
		}, []string{"stage"}),
		skipped: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_skipped_participants",
			Help:      "Participants skipped in the last batch because they already succeeded or were excluded.",
		}, []string{"stage"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_runs_in_flight",
			Help:      "Stage runs currently executing.",
		}),
		lastRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_last_completed_timestamp_seconds",
			Help:      "Unix time the last batch for a stage finished.",
		}, []string{"stage"}),
	}
}

// Registry exposes the underlying registry for gathering.
func (b *Batch) Registry() *prometheus.Registry {
	return b.registry
}

// SetSelection records how many participants a batch will run and skip.
func (b *Batch) SetSelection(stage string, eligible, skipped int) {
	b.eligible.WithLabelValues(stage).Set(float64(eligible))
	b.skipped.WithLabelValues(stage).Set(float64(skipped))
}

// StageStarted increments the in-flight gauge.
func (b *Batch) StageStarted() {
	b.inFlight.Inc()
}

// StageFinished records one terminal outcome.
func (b *Batch) StageFinished(stage, status, reason string, d time.Duration) {
	b.inFlight.Dec()
	b.outcomes.WithLabelValues(stage, status, reason).Inc()
	b.durations.WithLabelValues(stage).Observe(d.Seconds())
}

// BatchCompleted stamps the completion time for stage.
func (b *Batch) BatchCompleted(stage string, at time.Time) {
	b.lastRun.WithLabelValues(stage).Set(float64(at.Unix()))
}

// WriteTextfile atomically writes the registry in the Prometheus text format.
func (b *Batch) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, b.registry)
}
