package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/scanworker/internal/infra/scanner"
	"github.com/openctemio/scanworker/internal/metrics"
	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
	"github.com/openctemio/scanworker/pkg/domain/shared"
	"github.com/openctemio/scanworker/pkg/logger"
)

// Descriptor is a worker job description as accepted by POST /process and
// carried in dispatch tasks.
type Descriptor struct {
	ScanID       string         `json:"scanId"`
	UserID       string         `json:"userId"`
	Type         string         `json:"type"`
	Target       string         `json:"target"`
	Options      map[string]any `json:"options,omitempty"`
	ResultBucket string         `json:"resultBucket,omitempty"`
	ResultPath   string         `json:"resultPath,omitempty"`
}

// Dispatcher claims a queued job, runs it once and records the outcome.
type Dispatcher struct {
	jobs       scanjob.Repository
	registry   RunnerRegistry
	store      ResultStore
	notifier   Notifier
	reconciler *QuotaReconciler
	targets    TargetValidator
	logger     *logger.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	jobs scanjob.Repository,
	registry RunnerRegistry,
	store ResultStore,
	notifier Notifier,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		registry: registry,
		store:    store,
		notifier: notifier,
		logger:   log.With("component", "dispatcher"),
	}
}

// WithReconciler makes the dispatcher reconcile quota itself after each run.
// Used when no external receiver consumes the completion webhook.
func (d *Dispatcher) WithReconciler(r *QuotaReconciler) *Dispatcher {
	d.reconciler = r
	return d
}

// WithTargetValidator checks descriptor targets in Process before a job is
// created for them.
func (d *Dispatcher) WithTargetValidator(v TargetValidator) *Dispatcher {
	d.targets = v
	return d
}

// Execute claims job and runs it. It returns scanjob.ErrAlreadyClaimed
// without side effects when another worker got there first. A run that
// fails still returns its failed result with a nil error.
func (d *Dispatcher) Execute(ctx context.Context, job *scanjob.ScanJob) (*scanresult.Result, error) {
	log := d.logger.WithContext(ctx).With("scan_id", job.ID, "user_id", job.UserID, "scanner_type", job.ScannerType.String())

	claimed, err := d.jobs.Claim(ctx, job.ID)
	if err != nil {
		if errors.Is(err, scanjob.ErrAlreadyClaimed) {
			log.Info("scan already claimed, skipping")
		}
		return nil, err
	}
	log.Info("scan claimed")

	result := d.run(ctx, claimed, log)

	// Bookkeeping must land even if the run used up the caller's deadline.
	return d.finish(context.WithoutCancel(ctx), claimed, result, log)
}

func (d *Dispatcher) run(ctx context.Context, job *scanjob.ScanJob, log *logger.Logger) *scanresult.Result {
	runner, err := d.registry.Lookup(job.ScannerType)
	if err != nil {
		log.Warn("no runner registered", "error", err)
		return scanresult.Failed(job, err.Error(), nil)
	}

	label := job.ScannerType.String()
	metrics.ScanRunsInProgress.WithLabelValues(label).Inc()
	defer metrics.ScanRunsInProgress.WithLabelValues(label).Dec()

	start := time.Now()
	result, err := runner.Run(ctx, scanner.Request{Job: job, Raw: d.store})
	metrics.ScanRunDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		var execErr *scanner.ExecError
		var diag *scanresult.Diagnostics
		if errors.As(err, &execErr) {
			diag = execErr.Diagnostics()
		}
		log.Warn("scanner run failed", "error", err)
		return scanresult.Failed(job, err.Error(), diag)
	}
	return result
}

func (d *Dispatcher) finish(ctx context.Context, job *scanjob.ScanJob, result *scanresult.Result, log *logger.Logger) (*scanresult.Result, error) {
	if result.Succeeded() && result.BillingUnits < 1 {
		log.Warn("completed scan reported fewer than one billing unit, charging one", "billing_units", result.BillingUnits)
		result.BillingUnits = 1
	}

	artifacts, err := d.store.Persist(ctx, job, result)
	if err != nil {
		log.Error("failed to persist scan result", "error", err)
		result = scanresult.Failed(job, err.Error(), nil)
		artifacts = &delivery.Artifacts{}
	}

	if result.Succeeded() {
		err = job.Complete(artifacts.StorageURL, artifacts.ReportStorageURL, result.BillingUnits)
	} else {
		err = job.Fail(result.ErrorMessage, artifacts.StorageURL)
	}
	if err != nil {
		return result, fmt.Errorf("transition scan %s: %w", job.ID, err)
	}

	if err := d.jobs.Finish(ctx, job); err != nil {
		if !errors.Is(err, shared.ErrConflict) {
			return result, fmt.Errorf("record scan outcome: %w", err)
		}
		// Recovery already failed the job and notified for it.
		log.Warn("scan already finished elsewhere, keeping stored status")
		return result, nil
	}

	label := job.ScannerType.String()
	metrics.ScanRunsTotal.WithLabelValues(label, job.Status.String()).Inc()
	metrics.ScanBillingUnitsTotal.WithLabelValues(label).Add(float64(job.BillingUnits))
	log.Info("scan finished",
		"status", job.Status.String(),
		"billing_units", job.BillingUnits,
		"findings", len(result.ResultsSummary.Findings),
		"duration_ms", job.Duration().Milliseconds(),
	)

	if err := d.notifier.Notify(ctx, delivery.Build(job, result, *artifacts)); err != nil {
		log.Warn("completion webhook not delivered", "error", err)
	}

	if d.reconciler != nil {
		if err := d.reconciler.ReconcileJob(ctx, job); err != nil {
			log.Error("quota reconciliation failed", "error", err)
		}
	}
	return result, nil
}

// Process handles a worker descriptor. Jobs that were not created through
// submission are inserted as queued without a quota reservation. An unknown
// scanner type still leaves a failed result in the store.
func (d *Dispatcher) Process(ctx context.Context, desc Descriptor) (*scanresult.Result, error) {
	if desc.Target == "" {
		return nil, scanjob.NewTargetRequiredError()
	}
	if desc.UserID == "" {
		desc.UserID = "unknown"
	}

	t, err := scanjob.ParseScannerType(desc.Type)
	if err != nil {
		d.recordUnsupported(ctx, desc, err)
		return nil, err
	}
	if d.targets != nil {
		if err := d.targets.Validate(t, desc.Target); err != nil {
			return nil, err
		}
	}

	var job *scanjob.ScanJob
	if desc.ScanID != "" {
		job, err = d.jobs.GetByID(ctx, desc.ScanID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("load scan job: %w", err)
		}
	}
	if job == nil {
		job, err = scanjob.NewScanJob(desc.ScanID, desc.UserID, t, desc.Target, desc.Options)
		if err != nil {
			return nil, err
		}
		job.ResultBucket = desc.ResultBucket
		job.ResultPath = desc.ResultPath
		if err := d.jobs.Create(ctx, job); err != nil && !errors.Is(err, shared.ErrAlreadyExists) {
			return nil, fmt.Errorf("create scan job: %w", err)
		}
		d.logger.Info("accepted external scan descriptor", "scan_id", job.ID, "scanner_type", t.String())
	}

	return d.Execute(ctx, job)
}

func (d *Dispatcher) recordUnsupported(ctx context.Context, desc Descriptor, cause error) {
	if !shared.IsValidID(desc.ScanID) || !shared.IsValidID(desc.UserID) {
		return
	}
	// Never persisted to the database; only the failed result is stored.
	shell := &scanjob.ScanJob{
		ID:           desc.ScanID,
		UserID:       desc.UserID,
		ScannerType:  scanjob.ScannerType(desc.Type),
		Target:       desc.Target,
		Options:      desc.Options,
		Status:       scanjob.StatusFailed,
		ResultBucket: desc.ResultBucket,
		ResultPath:   desc.ResultPath,
	}
	result := scanresult.Failed(shell, cause.Error(), nil)
	artifacts, err := d.store.Persist(ctx, shell, result)
	if err != nil {
		d.logger.Error("failed to persist unsupported scan result", "scan_id", desc.ScanID, "error", err)
		return
	}
	if err := d.notifier.Notify(ctx, delivery.Build(shell, result, *artifacts)); err != nil {
		d.logger.Warn("completion webhook not delivered", "scan_id", desc.ScanID, "error", err)
	}
}
