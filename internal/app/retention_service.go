package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openctemio/scanworker/internal/metrics"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/logger"
)

// Retention defaults.
const (
	DefaultRetentionBatchSize   = 300
	DefaultRetentionConcurrency = 50
)

// SweepOptions controls one retention pass.
type SweepOptions struct {
	// Cutoff is the creation time before which data is removed. Zero means everything.
	Cutoff time.Time
	DryRun bool
}

// SweepReport summarizes a retention pass.
type SweepReport struct {
	Cutoff         time.Time `json:"cutoff" yaml:"cutoff"`
	DryRun         bool      `json:"dry_run" yaml:"dry_run"`
	JobsMatched    int64     `json:"jobs_matched" yaml:"jobs_matched"`
	JobsDeleted    int64     `json:"jobs_deleted" yaml:"jobs_deleted"`
	ObjectsMatched int       `json:"objects_matched" yaml:"objects_matched"`
	ObjectsDeleted int       `json:"objects_deleted" yaml:"objects_deleted"`
	ObjectsFailed  int       `json:"objects_failed" yaml:"objects_failed"`
}

// RetentionService removes finished scan jobs and stored artifacts older
// than a cutoff.
type RetentionService struct {
	jobs        scanjob.Repository
	artifacts   ArtifactStore
	batchSize   int
	concurrency int
	logger      *logger.Logger
}

// NewRetentionService creates a RetentionService. batchSize <= 0 uses the default.
func NewRetentionService(jobs scanjob.Repository, artifacts ArtifactStore, batchSize int, log *logger.Logger) *RetentionService {
	if batchSize <= 0 {
		batchSize = DefaultRetentionBatchSize
	}
	return &RetentionService{
		jobs:        jobs,
		artifacts:   artifacts,
		batchSize:   batchSize,
		concurrency: DefaultRetentionConcurrency,
		logger:      log.With("component", "retention"),
	}
}

// Sweep runs one retention pass. In dry-run mode nothing is deleted and the
// job count covers at most one batch.
func (s *RetentionService) Sweep(ctx context.Context, opts SweepOptions) (*SweepReport, error) {
	report := &SweepReport{Cutoff: opts.Cutoff, DryRun: opts.DryRun}

	if err := s.sweepJobs(ctx, opts, report); err != nil {
		return report, err
	}
	if err := s.sweepObjects(ctx, opts, report); err != nil {
		return report, err
	}

	verb := "deleted"
	if opts.DryRun {
		verb = "would delete"
	}
	s.logger.Info("retention sweep finished",
		"action", verb,
		"cutoff", opts.Cutoff,
		"jobs", max(report.JobsDeleted, report.JobsMatched),
		"objects", report.ObjectsMatched,
		"objects_failed", report.ObjectsFailed,
	)
	return report, nil
}

func (s *RetentionService) sweepJobs(ctx context.Context, opts SweepOptions, report *SweepReport) error {
	for {
		batch, err := s.jobs.ListFinishedBefore(ctx, opts.Cutoff, s.batchSize)
		if err != nil {
			return fmt.Errorf("list expired scans: %w", err)
		}
		report.JobsMatched += int64(len(batch))
		if opts.DryRun || len(batch) == 0 {
			return nil
		}

		ids := make([]string, len(batch))
		for i, job := range batch {
			ids[i] = job.ID
		}
		n, err := s.jobs.DeleteByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("delete expired scans: %w", err)
		}
		report.JobsDeleted += n
		metrics.RetentionDeletedTotal.WithLabelValues("scan_job").Add(float64(n))

		if len(batch) < s.batchSize || n == 0 {
			return nil
		}
	}
}

func (s *RetentionService) sweepObjects(ctx context.Context, opts SweepOptions, report *SweepReport) error {
	if s.artifacts == nil {
		return nil
	}
	objects, err := s.artifacts.ListOlder(ctx, opts.Cutoff)
	if err != nil {
		return fmt.Errorf("list expired artifacts: %w", err)
	}
	report.ObjectsMatched = len(objects)
	if opts.DryRun || len(objects) == 0 {
		return nil
	}

	var deleted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, obj := range objects {
		g.Go(func() error {
			if err := s.artifacts.Delete(gctx, obj.Key); err != nil {
				// One stuck object must not stop the sweep.
				failed.Add(1)
				s.logger.Warn("failed to delete artifact", "key", obj.Key, "error", err)
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.ObjectsDeleted = int(deleted.Load())
	report.ObjectsFailed = int(failed.Load())
	metrics.RetentionDeletedTotal.WithLabelValues("artifact").Add(float64(report.ObjectsDeleted))
	return nil
}
