package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are created eagerly so packages can record into them before (or
// without) registration. Register wires them into a registry once at startup.
var (
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_cache_requests_total",
			Help: "Cache lookups, by tier and result (hit, miss, error).",
		},
		[]string{"tier", "result"},
	)

	QuotaReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_quota_reservations_total",
			Help: "Quota reservation attempts, by operation and result.",
		},
		[]string{"operation", "result"},
	)

	QuotaUnitsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_quota_units_consumed_total",
			Help: "Quota units debited, by operation.",
		},
		[]string{"operation"},
	)

	ExternalCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_external_calls_total",
			Help: "Calls to the video platform API, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	ExternalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outlier_external_call_duration_seconds",
			Help:    "Duration of video platform API calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outlier_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration, by stage label.",
			Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	AnalysesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_analyses_finished_total",
			Help: "Analyses reaching an outcome, by status and failure kind.",
		},
		[]string{"status", "kind"},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_queue_jobs_processed_total",
			Help: "Queue jobs handled, by queue, job type and outcome.",
		},
		[]string{"queue", "type", "outcome"},
	)

	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outlier_queue_jobs_active",
			Help: "Jobs currently being handled, by queue.",
		},
		[]string{"queue"},
	)

	ProgressDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outlier_progress_subscribers_dropped_total",
			Help: "Progress subscribers dropped for falling behind.",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		},
		[]string{"method", "route", "status"},
	)
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		CacheRequests,
		QuotaReservations,
		QuotaUnitsConsumed,
		ExternalCalls,
		ExternalCallDuration,
		StageDuration,
		AnalysesFinished,
		JobsProcessed,
		JobsActive,
		ProgressDropped,
		HTTPRequests,
	}
}

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
