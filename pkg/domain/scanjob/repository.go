package scanjob

import (
	"context"
	"time"
)

// Repository defines persistence for scan jobs.
type Repository interface {
	// Create inserts a queued job without touching quota.
	Create(ctx context.Context, job *ScanJob) error

	// GetByID retrieves a job by id.
	GetByID(ctx context.Context, id string) (*ScanJob, error)

	// GetByUserAndID retrieves a job owned by userID.
	GetByUserAndID(ctx context.Context, userID, id string) (*ScanJob, error)

	// Claim atomically moves a queued job to running and returns it.
	// It returns ErrAlreadyClaimed when the job is no longer queued.
	Claim(ctx context.Context, id string) (*ScanJob, error)

	// Finish persists a terminal status. It never overwrites an already
	// terminal row.
	Finish(ctx context.Context, job *ScanJob) error

	// ListByUser returns a user's jobs, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*ScanJob, error)

	// FailStale fails running jobs of type t started before startedBefore
	// and returns them. Each row is moved by a single conditional update, so
	// a worker finishing concurrently keeps its own outcome.
	FailStale(ctx context.Context, t ScannerType, startedBefore time.Time, message string, limit int) ([]*ScanJob, error)

	// ListQueuedBefore returns jobs still queued that were created before cutoff, oldest first.
	ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*ScanJob, error)

	// ListFinishedBefore returns terminal jobs created before cutoff.
	// A zero cutoff returns every terminal job.
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*ScanJob, error)

	// DeleteByIDs removes jobs and returns how many rows went away.
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}
