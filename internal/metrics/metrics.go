package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nrRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployq_runs_total",
		Help: "The total number of finished pipeline runs",
	}, []string{"pipeline", "status"})
	nrStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployq_stages_total",
		Help: "The total number of finished or skipped stages",
	}, []string{"pipeline", "stage", "status"})
	nrRejectedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployq_events_rejected_total",
		Help: "The total number of push events not turned into runs",
	}, []string{"reason"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deployq_stage_duration_seconds",
		Help:    "Stage duration in seconds",
		Buckets: DefaultBuckets(),
	}, []string{"pipeline", "stage"})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deployq_queue_depth",
		Help: "Runs waiting for the worker",
	})
)

// DefaultBuckets Holds the buckets used for stage durations
func DefaultBuckets() []float64 {
	return []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}
}

// RunFinished counts a finished run by its final status
func RunFinished(pipeline, status string) {
	nrRuns.With(prometheus.Labels{"pipeline": pipeline, "status": status}).Inc()
}

// StageFinished counts a stage outcome and observes how long it ran
func StageFinished(pipeline, stage, status string, d time.Duration) {
	nrStages.With(prometheus.Labels{"pipeline": pipeline, "stage": stage, "status": status}).Inc()
	if d > 0 {
		stageDuration.With(prometheus.Labels{"pipeline": pipeline, "stage": stage}).Observe(d.Seconds())
	}
}

// EventRejected counts a push event that did not start a run
func EventRejected(reason string) {
	nrRejectedEvents.With(prometheus.Labels{"reason": reason}).Inc()
}

// SetQueueDepth records the number of queued runs
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
