// Package metrics defines the Prometheus metrics for the document pipeline.
//
// All metrics register with the default registry and are served by the
// daemon's /metrics endpoint via promhttp.
//
// Metric naming follows Prometheus conventions:
//   - pipeline_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StageResultsTotal counts runner invocations by stage and result status.
	StageResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_results_total",
			Help: "Total stage runs by stage and terminal result status.",
		},
		[]string{"stage", "status"},
	)

	// StageDurationSeconds is a histogram of stage run duration by stage.
	StageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of stage runs in seconds, retries included.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// ActiveStages is the number of currently executing stage runs.
	ActiveStages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_active_stages",
			Help: "Number of stage runs currently executing.",
		},
	)

	// RequestsTotal counts pipeline requests by mode and overall outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_requests_total",
			Help: "Total pipeline requests by execution mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// RequestDurationSeconds is a histogram of request duration by mode.
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_request_duration_seconds",
			Help:    "Duration of pipeline requests in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	// AlertsQueuedTotal counts queued alerts by type and severity.
	AlertsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_alerts_queued_total",
			Help: "Total alerts queued by type and severity.",
		},
		[]string{"alert_type", "severity"},
	)

	// AlertDispatchesTotal counts aggregated alert dispatches by type and
	// delivery outcome.
	AlertDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_alert_dispatches_total",
			Help: "Total aggregated alert dispatches by type and outcome.",
		},
		[]string{"alert_type", "status"},
	)

	// RetriesFiredTotal counts async retries dispatched by the scheduler.
	RetriesFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_retries_fired_total",
			Help: "Total asynchronous retries fired by stage.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		StageResultsTotal,
		StageDurationSeconds,
		ActiveStages,
		RequestsTotal,
		RequestDurationSeconds,
		AlertsQueuedTotal,
		AlertDispatchesTotal,
		RetriesFiredTotal,
	)
}

// ObserveStageResult records one finished stage run.
func ObserveStageResult(stage, status string, duration time.Duration) {
	StageResultsTotal.WithLabelValues(stage, status).Inc()
	StageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordRequest records one finished pipeline request.
func RecordRequest(mode, outcome string, duration time.Duration) {
	RequestsTotal.WithLabelValues(mode, outcome).Inc()
	RequestDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordAlertQueued records one queued alert.
func RecordAlertQueued(alertType, severity string) {
	AlertsQueuedTotal.WithLabelValues(alertType, severity).Inc()
}

// RecordAlertDispatch records one aggregated dispatch attempt.
func RecordAlertDispatch(alertType, status string) {
	AlertDispatchesTotal.WithLabelValues(alertType, status).Inc()
}

// RecordRetryFired records one async retry dispatch.
func RecordRetryFired(stage string) {
	RetriesFiredTotal.WithLabelValues(stage).Inc()
}
