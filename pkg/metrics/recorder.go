// Package metrics exposes Prometheus counters for the task engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder aggregates the engine's Prometheus metrics. A single
// instance is shared by the queue, the loop and the worker.
type Recorder struct {
	tasksTotal     *prometheus.CounterVec
	stepsTotal     *prometheus.CounterVec
	modelRequests  *prometheus.CounterVec
	claimConflicts prometheus.Counter
	iterDuration   prometheus.Histogram
	activeClaims   prometheus.Gauge
}

// NewRecorder registers the engine metrics on reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_tasks_total",
				Help: "Task terminal transitions by resulting status",
			},
			[]string{"status"},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_steps_total",
				Help: "Recorded loop steps by type and status",
			},
			[]string{"type", "status"},
		),
		modelRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_model_requests_total",
				Help: "Language model invocations by outcome",
			},
			[]string{"status"},
		),
		claimConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentd_claim_conflicts_total",
				Help: "Task claim attempts lost to a concurrent claimer",
			},
		),
		iterDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentd_loop_iteration_duration_seconds",
				Help:    "Duration of one reasoning loop iteration",
				Buckets: prometheus.DefBuckets,
			},
		),
		activeClaims: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentd_worker_active_claims",
				Help: "Tasks currently claimed by this worker",
			},
		),
	}
}

func (r *Recorder) ObserveTask(status string) {
	r.tasksTotal.WithLabelValues(status).Inc()
}

func (r *Recorder) ObserveStep(stepType, status string) {
	r.stepsTotal.WithLabelValues(stepType, status).Inc()
}

func (r *Recorder) ObserveModelRequest(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.modelRequests.WithLabelValues(status).Inc()
}

func (r *Recorder) IncClaimConflict() {
	r.claimConflicts.Inc()
}

func (r *Recorder) ObserveIteration(d time.Duration) {
	r.iterDuration.Observe(d.Seconds())
}

func (r *Recorder) SetActiveClaims(n int) {
	r.activeClaims.Set(float64(n))
}
