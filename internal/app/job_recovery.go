package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openctemio/scanworker/internal/metrics"
	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
	"github.com/openctemio/scanworker/pkg/logger"
)

// LostWorkerMessage is recorded on jobs whose worker vanished mid-run.
const LostWorkerMessage = "worker lost before the scan finished"

// JobRecoveryConfig configures the JobRecoveryController.
type JobRecoveryConfig struct {
	// Schedule is a cron expression (default: "*/5 * * * *").
	Schedule string

	// Timeouts is the process timeout of each scanner type. A running job is
	// lost once its type's timeout plus Grace has passed since it started.
	Timeouts map[scanjob.ScannerType]time.Duration

	// Grace covers persistence and notification after the process exits
	// (default: 5 minutes).
	Grace time.Duration

	// QueuedAfter is how long a job may sit queued before it is handed to
	// the queue again (default: 15 minutes).
	QueuedAfter time.Duration

	// BatchSize caps how many jobs one pass touches per step (default: 100).
	BatchSize int

	Enabled bool
}

// JobRecoveryController makes sure no job silently disappears. Running jobs
// whose worker died are failed, stored, announced and refunded. Queued jobs
// whose dispatch never reached the queue are enqueued again.
type JobRecoveryController struct {
	jobs       scanjob.Repository
	queue      JobQueue
	store      ResultStore
	notifier   Notifier
	reconciler *QuotaReconciler
	config     JobRecoveryConfig
	cron       *cron.Cron
	now        func() time.Time
	logger     *logger.Logger

	mu      sync.Mutex
	running bool
}

// NewJobRecoveryController creates a controller. queue may be nil, which
// disables re-enqueueing.
func NewJobRecoveryController(
	jobs scanjob.Repository,
	queue JobQueue,
	store ResultStore,
	notifier Notifier,
	reconciler *QuotaReconciler,
	cfg JobRecoveryConfig,
	log *logger.Logger,
) (*JobRecoveryController, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.QueuedAfter <= 0 {
		cfg.QueuedAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	c := &JobRecoveryController{
		jobs:       jobs,
		queue:      queue,
		store:      store,
		notifier:   notifier,
		reconciler: reconciler,
		config:     cfg,
		cron:       cron.New(cron.WithLocation(time.UTC)),
		now:        time.Now,
		logger:     log.With("component", "job_recovery"),
	}
	if _, err := c.cron.AddFunc(cfg.Schedule, c.safeRecover); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", cfg.Schedule, err)
	}
	return c, nil
}

// Start starts the periodic recovery.
func (c *JobRecoveryController) Start() {
	if !c.config.Enabled {
		c.logger.Info("job recovery disabled")
		return
	}
	c.cron.Start()
	c.logger.Info("job recovery started", "schedule", c.config.Schedule, "grace", c.config.Grace)
}

// Stop stops the controller and waits for a running pass.
func (c *JobRecoveryController) Stop() {
	if !c.config.Enabled {
		return
	}
	<-c.cron.Stop().Done()
	c.logger.Info("job recovery stopped")
}

// RecoveryResult counts what one pass did.
type RecoveryResult struct {
	Failed   int
	Requeued int
}

// Recover runs one pass. Failures on single jobs are logged and do not stop
// the pass.
func (c *JobRecoveryController) Recover(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult
	now := c.now().UTC()

	for _, t := range scanjob.AllScannerTypes() {
		timeout, ok := c.config.Timeouts[t]
		if !ok || timeout <= 0 {
			continue
		}
		lost, err := c.jobs.FailStale(ctx, t, now.Add(-(timeout + c.config.Grace)), LostWorkerMessage, c.config.BatchSize)
		if err != nil {
			return res, fmt.Errorf("fail stale %s scans: %w", t, err)
		}
		for _, job := range lost {
			c.settle(ctx, job)
			res.Failed++
		}
	}

	if c.queue != nil {
		queued, err := c.jobs.ListQueuedBefore(ctx, now.Add(-c.config.QueuedAfter), c.config.BatchSize)
		if err != nil {
			return res, fmt.Errorf("list queued scans: %w", err)
		}
		for _, job := range queued {
			if err := c.queue.EnqueueScanDispatch(ctx, job); err != nil {
				c.logger.Warn("failed to enqueue queued scan again", "scan_id", job.ID, "error", err)
				continue
			}
			metrics.ScanJobsRecoveredTotal.WithLabelValues(job.ScannerType.String(), "requeued").Inc()
			res.Requeued++
		}
	}

	if res.Failed > 0 || res.Requeued > 0 {
		c.logger.Info("job recovery pass finished", "failed", res.Failed, "requeued", res.Requeued)
	}
	return res, nil
}

// settle does the bookkeeping the lost worker never got to.
func (c *JobRecoveryController) settle(ctx context.Context, job *scanjob.ScanJob) {
	log := c.logger.With("scan_id", job.ID, "user_id", job.UserID, "scanner_type", job.ScannerType.String())
	log.Warn("scan worker lost, failing job", "started_at", job.StartedAt)

	label := job.ScannerType.String()
	metrics.ScanJobsRecoveredTotal.WithLabelValues(label, "failed").Inc()
	metrics.ScanRunsTotal.WithLabelValues(label, scanjob.StatusFailed.String()).Inc()

	result := scanresult.Failed(job, LostWorkerMessage, nil)
	artifacts, err := c.store.Persist(ctx, job, result)
	if err != nil {
		log.Error("failed to persist lost scan result", "error", err)
		artifacts = &delivery.Artifacts{}
	}

	if err := c.notifier.Notify(ctx, delivery.Build(job, result, *artifacts)); err != nil {
		log.Warn("completion webhook not delivered", "error", err)
	}

	if c.reconciler != nil {
		if err := c.reconciler.ReconcileJob(ctx, job); err != nil {
			log.Error("quota reconciliation failed", "error", err)
		}
	}
}

func (c *JobRecoveryController) safeRecover() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("job recovery panicked", "panic", r)
		}
	}()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := c.Recover(ctx); err != nil {
		c.logger.Error("job recovery failed", "error", err)
	}
}
