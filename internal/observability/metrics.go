package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	apiRequestsTotal        *prometheus.CounterVec
	apiLatencySeconds       *prometheus.HistogramVec
	apiErrorsTotal          *prometheus.CounterVec
	submissionsFinalized    *prometheus.CounterVec
	submissionsClaimedTotal prometheus.Counter
	gradingOutcomesTotal    *prometheus.CounterVec
	gradingDurationSeconds  prometheus.Histogram
	workersBusy             prometheus.Gauge
	maintenanceRunsTotal    *prometheus.CounterVec
	maintenanceAffected     *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors for the API and the grading pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		submissionsFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_submissions_finalized_total",
			Help: "Submissions created by the finalize workflow.",
		}, []string{"mode"})

		submissionsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_submissions_claimed_total",
			Help: "Submissions claimed by grading workers.",
		})

		gradingOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_grading_outcomes_total",
			Help: "Grading attempts by outcome.",
		}, []string{"outcome"})

		gradingDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exam_grading_duration_seconds",
			Help:    "Wall time of a grading attempt.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		})

		workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_grading_workers_busy",
			Help: "Workers currently grading a submission.",
		})

		maintenanceRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_maintenance_runs_total",
			Help: "Maintenance loop executions by loop and result.",
		}, []string{"loop", "result"})

		maintenanceAffected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_maintenance_affected_total",
			Help: "Rows changed by maintenance loops.",
		}, []string{"loop", "kind"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			submissionsFinalized, submissionsClaimedTotal, gradingOutcomesTotal, gradingDurationSeconds,
			workersBusy, maintenanceRunsTotal, maintenanceAffected,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// SubmissionsFinalized counts submissions created per finalize mode.
func SubmissionsFinalized() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsFinalized
}

// SubmissionsClaimed counts successful claims.
func SubmissionsClaimed() prometheus.Counter {
	RegisterMetrics()
	return submissionsClaimedTotal
}

// GradingOutcomes counts grading attempts labelled preliminary, flagged or failed.
func GradingOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingOutcomesTotal
}

// GradingDuration observes grading wall time.
func GradingDuration() prometheus.Histogram {
	RegisterMetrics()
	return gradingDurationSeconds
}

// WorkersBusy tracks in-flight grading.
func WorkersBusy() prometheus.Gauge {
	RegisterMetrics()
	return workersBusy
}

// MaintenanceRuns counts loop executions.
func MaintenanceRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return maintenanceRunsTotal
}

// MaintenanceAffected counts rows touched by a loop.
func MaintenanceAffected() *prometheus.CounterVec {
	RegisterMetrics()
	return maintenanceAffected
}
