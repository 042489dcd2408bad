// Package metrics holds the Prometheus collectors of the scan pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission metrics
var (
	// ScansSubmittedTotal tracks submissions by outcome
	ScansSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scans_submitted_total",
			Help: "Total number of scan submissions by scanner type and result",
		},
		[]string{"scanner_type", "result"}, // result: accepted, invalid, quota_exceeded, subscription_required, rate_limited, error
	)

	// ScanDispatchEnqueueFailures tracks jobs that were created but never reached the queue
	ScanDispatchEnqueueFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_dispatch_enqueue_failures_total",
			Help: "Total number of accepted scans whose dispatch could not be enqueued",
		},
		[]string{"scanner_type"},
	)
)

// Runner metrics
var (
	// ScanRunsTotal tracks finished runs by terminal status
	ScanRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_runs_total",
			Help: "Total number of scan runs by scanner type and status",
		},
		[]string{"scanner_type", "status"},
	)

	// ScanRunDuration tracks runner wall time
	ScanRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scan_run_duration_seconds",
			Help:    "Scan run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 240, 600, 900, 1800},
		},
		[]string{"scanner_type"},
	)

	// ScanRunsInProgress tracks claimed jobs whose runner has not returned
	ScanRunsInProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scan_runs_in_progress",
			Help: "Number of scan runs currently executing",
		},
		[]string{"scanner_type"},
	)

	// ScanJobsRecoveredTotal tracks jobs recovered after their worker was lost
	ScanJobsRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_recovered_total",
			Help: "Total number of scan jobs recovered by scanner type and action",
		},
		[]string{"scanner_type", "action"}, // action: failed, requeued
	)

	// ScanBillingUnitsTotal tracks units billed by completed runs
	ScanBillingUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_billing_units_total",
			Help: "Total billing units reported by completed scans",
		},
		[]string{"scanner_type"},
	)
)

// Quota metrics
var (
	// QuotaAdjustmentsTotal tracks reconciliations by direction
	QuotaAdjustmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_adjustments_total",
			Help: "Total number of quota reconciliations by scanner type and direction",
		},
		[]string{"scanner_type", "direction"}, // direction: up, down, none, clamped, missing
	)
)

// Delivery and storage metrics
var (
	// WebhookDeliveriesTotal tracks completion webhook attempts
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of completion webhook deliveries by result",
		},
		[]string{"result"}, // result: delivered, failed, skipped
	)

	// ResultStoreWritesTotal tracks object writes by artifact kind
	ResultStoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "result_store_writes_total",
			Help: "Total number of result store writes by artifact and result",
		},
		[]string{"artifact", "result"}, // artifact: json, report, raw, presign
	)

	// RetentionDeletedTotal tracks what the retention sweep removed
	RetentionDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_deleted_total",
			Help: "Total number of records and objects removed by the retention sweep",
		},
		[]string{"kind"}, // kind: job, object
	)
)

// Direction labels a quota adjustment delta.
func Direction(delta int, clamped bool) string {
	switch {
	case clamped:
		return "clamped"
	case delta > 0:
		return "up"
	case delta < 0:
		return "down"
	default:
		return "none"
	}
}
