// Package app holds the scan pipeline services: submission, dispatch,
// callback handling, quota reconciliation and retention.
package app

import (
	"context"
	"time"

	"github.com/openctemio/scanworker/internal/infra/scanner"
	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// JobQueue hands a queued job to the dispatch workers.
type JobQueue interface {
	EnqueueScanDispatch(ctx context.Context, job *scanjob.ScanJob) error
}

// SubmitLimiter enforces the per-user submission window.
type SubmitLimiter interface {
	// Allow records one attempt for key and reports whether it fits the window.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// TargetValidator checks a target against its scanner family.
type TargetValidator interface {
	Validate(t scanjob.ScannerType, target string) error
}

// RunnerRegistry resolves the runner for a scanner type.
type RunnerRegistry interface {
	Lookup(t scanjob.ScannerType) (scanner.Runner, error)
}

// ResultStore persists canonical results and raw audit payloads.
type ResultStore interface {
	Persist(ctx context.Context, job *scanjob.ScanJob, result *scanresult.Result) (*delivery.Artifacts, error)
	SaveRaw(ctx context.Context, job *scanjob.ScanJob, data []byte) error
}

// Notifier delivers the completion payload. It makes one attempt.
type Notifier interface {
	Notify(ctx context.Context, payload delivery.Payload) error
}

// ReconcileDeduper guarantees a scan's reservation is reconciled once.
type ReconcileDeduper interface {
	// MarkReconciled returns false when scanID was already marked.
	MarkReconciled(ctx context.Context, scanID string) (bool, error)
	// Unmark releases the marker after a failed reconciliation.
	Unmark(ctx context.Context, scanID string) error
}

// StoredObject is an artifact listed by the retention sweep.
type StoredObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ArtifactStore lists and removes stored artifacts for retention.
type ArtifactStore interface {
	ListOlder(ctx context.Context, cutoff time.Time) ([]StoredObject, error)
	Delete(ctx context.Context, key string) error
}
