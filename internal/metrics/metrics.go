package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cranalytics_runs_total",
		Help: "Extraction runs by final outcome (done, empty, reset)",
	}, []string{"outcome"})

	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cranalytics_sampler_ticks_total",
		Help: "Frames sampled for detection",
	})

	StaleResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cranalytics_stale_results_total",
		Help: "Asynchronous results discarded because their run was reset",
	}, []string{"stage"})

	FacesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cranalytics_faces_detected_total",
		Help: "Face boxes returned by the detector",
	})

	CropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cranalytics_crops_total",
		Help: "Crop attempts by status",
	}, []string{"status"})

	DetectErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cranalytics_detect_errors_total",
		Help: "Detector calls that failed",
	})

	DetectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cranalytics_detect_duration_seconds",
		Help:    "Latency of one detector call",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	ClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cranalytics_classifications_total",
		Help: "Classification requests by status",
	}, []string{"status"})

	ClassifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cranalytics_classify_duration_seconds",
		Help:    "Latency of one classification request including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cranalytics_classify_retry_total",
		Help: "Classification retries",
	}, []string{"attempt"})

	Progress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cranalytics_progress_percent",
		Help: "Capture progress of the active run",
	})
)
