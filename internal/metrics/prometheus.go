package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscan_verdicts_total",
		Help: "Total number of video verdicts, by label (none when no face was found)",
	}, []string{"label"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepscan_stage_duration_seconds",
		Help:    "Duration of each prediction stage",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	FacesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepscan_faces_extracted_total",
		Help: "Total number of faces that passed detection and cropping",
	})

	SkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscan_skips_total",
		Help: "Frames or faces dropped during extraction, by reason",
	}, []string{"reason"})

	ClassifierCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepscan_classifier_calls_total",
		Help: "Total number of classifier batch calls",
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscan_jobs_total",
		Help: "Queue jobs handled, by outcome",
	}, []string{"status"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deepscan_active_jobs",
		Help: "Number of queue jobs currently being analysed",
	})
)

var WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "deepscan_worker_restarts_total",
	Help: "Model worker processes respawned after a failure, by worker",
}, []string{"worker"})
