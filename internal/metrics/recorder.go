// Package metrics exposes run, stage and batch counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Recorder receives orchestration events.
type Recorder interface {
	RunSubmitted(batch bool)
	RunFinished(status string, d time.Duration)
	StageAttempt(stage, outcome string, d time.Duration)
	BatchFinished(status string)
	RunsInFlight(delta int)
}

// PrometheusRecorder is the Prometheus Recorder.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	runsSubmitted *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageAttempts *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	batchesClosed *prometheus.CounterVec
	runsInFlight  prometheus.Gauge
}

// NewPrometheusRecorder registers the docflow collectors, plus the Go and process
// collectors, on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		runsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_runs_submitted_total",
			Help: "Total runs submitted, split by batch membership.",
		}, []string{"batch"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_runs_finished_total",
			Help: "Total runs reaching a terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_run_duration_seconds",
			Help:    "Wall time from submit to terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_stage_attempts_total",
			Help: "Stage attempts by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_stage_duration_seconds",
			Help:    "Duration of single stage attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "outcome"}),
		batchesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_batches_closed_total",
			Help: "Batches whose items are all accounted for.",
		}, []string{"status"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docflow_runs_in_flight",
			Help: "Runs submitted and not yet terminal in this process.",
		}),
	}

	registry.MustRegister(
		r.runsSubmitted,
		r.runsFinished,
		r.runDuration,
		r.stageAttempts,
		r.stageDuration,
		r.batchesClosed,
		r.runsInFlight,
	)
	return r
}

// Registry is served on /metrics.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusRecorder) RunSubmitted(batch bool) {
	label := "false"
	if batch {
		label = "true"
	}
	r.runsSubmitted.WithLabelValues(label).Inc()
}

func (r *PrometheusRecorder) RunFinished(status string, d time.Duration) {
	r.runsFinished.WithLabelValues(status).Inc()
	r.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (r *PrometheusRecorder) StageAttempt(stage, outcome string, d time.Duration) {
	r.stageAttempts.WithLabelValues(stage, outcome).Inc()
	r.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (r *PrometheusRecorder) BatchFinished(status string) {
	r.batchesClosed.WithLabelValues(status).Inc()
}

func (r *PrometheusRecorder) RunsInFlight(delta int) {
	r.runsInFlight.Add(float64(delta))
}

// Nop discards everything.
type Nop struct{}

func (Nop) RunSubmitted(bool)                          {}
func (Nop) RunFinished(string, time.Duration)          {}
func (Nop) StageAttempt(string, string, time.Duration) {}
func (Nop) BatchFinished(string)                       {}
func (Nop) RunsInFlight(int)                           {}
