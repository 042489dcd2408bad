package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/openctemio/scanworker/internal/metrics"
	"github.com/openctemio/scanworker/pkg/domain/quota"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/shared"
	"github.com/openctemio/scanworker/pkg/logger"
)

// QuotaReconciler corrects the unit reserved at submission against what a
// finished scan actually cost.
type QuotaReconciler struct {
	quotas quota.Repository
	dedupe ReconcileDeduper
	logger *logger.Logger
}

// NewQuotaReconciler creates a QuotaReconciler. dedupe may be nil, in which
// case ReconcileOnce behaves like Reconcile.
func NewQuotaReconciler(quotas quota.Repository, dedupe ReconcileDeduper, log *logger.Logger) *QuotaReconciler {
	return &QuotaReconciler{
		quotas: quotas,
		dedupe: dedupe,
		logger: log.With("component", "quota_reconciler"),
	}
}

// Reconcile applies one adjustment to the (userID, scannerType) counter.
// A missing counter is logged and ignored.
func (r *QuotaReconciler) Reconcile(ctx context.Context, userID string, t scanjob.ScannerType, status scanjob.Status, billingUnits int) error {
	log := r.logger.With("user_id", userID, "scanner_type", t.String(), "status", status.String())

	if status == scanjob.StatusCompleted && billingUnits < 1 {
		log.Warn("quota: completed scan reported no billing units, charging the reserved unit", "billing_units", billingUnits)
	}

	counter, adj, err := r.quotas.Adjust(ctx, userID, t, status, billingUnits)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			log.Warn("quota: no counter to reconcile")
			return nil
		}
		return fmt.Errorf("adjust quota: %w", err)
	}

	metrics.QuotaAdjustmentsTotal.WithLabelValues(t.String(), metrics.Direction(adj.Delta, adj.Clamped)).Inc()
	log.Info("quota: reconciled",
		"delta", adj.Delta,
		"used", counter.Used,
		"limit", counter.Limit,
		"billing_units", billingUnits,
	)
	return nil
}

// ReconcileJob reconciles a finished job's reservation once. Jobs that
// never reserved a unit are skipped.
func (r *QuotaReconciler) ReconcileJob(ctx context.Context, job *scanjob.ScanJob) error {
	if !job.QuotaReserved {
		r.logger.Debug("quota: scan holds no reservation, skipping", "scan_id", job.ID)
		return nil
	}
	return r.ReconcileOnce(ctx, job.ID, job.UserID, job.ScannerType, job.Status, job.BillingUnits)
}

// ReconcileOnce reconciles scanID at most once across redeliveries.
func (r *QuotaReconciler) ReconcileOnce(ctx context.Context, scanID, userID string, t scanjob.ScannerType, status scanjob.Status, billingUnits int) error {
	if r.dedupe == nil {
		return r.Reconcile(ctx, userID, t, status, billingUnits)
	}

	first, err := r.dedupe.MarkReconciled(ctx, scanID)
	if err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	if !first {
		r.logger.Info("quota: scan already reconciled", "scan_id", scanID)
		return nil
	}

	if err := r.Reconcile(ctx, userID, t, status, billingUnits); err != nil {
		if uerr := r.dedupe.Unmark(ctx, scanID); uerr != nil {
			r.logger.Error("quota: failed to release reconcile marker", "scan_id", scanID, "error", uerr)
		}
		return err
	}
	return nil
}
