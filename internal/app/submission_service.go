package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/scanworker/internal/infra/scanner"
	"github.com/openctemio/scanworker/internal/metrics"
	"github.com/openctemio/scanworker/pkg/domain/quota"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/shared"
	"github.com/openctemio/scanworker/pkg/logger"
)

// MaxListLimit caps how many scans a list call returns.
const MaxListLimit = 50

// ErrSubmitRateLimited is returned when a user submits faster than the window allows.
var ErrSubmitRateLimited = errors.New("scan submission rate limit exceeded")

// RateLimitedError carries how long the caller should wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("scan submission rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrSubmitRateLimited }

// SubmitInput is a scan request as received from the API.
type SubmitInput struct {
	UserID      string
	ScannerType string
	Target      string
	Options     map[string]any
}

// SubmitResult is what an accepted submission returns.
type SubmitResult struct {
	ScanID      string
	ScannerType scanjob.ScannerType
	// QuotaRemaining is quota.Unlimited for uncapped plans.
	QuotaRemaining int
	// Dispatched is false when the job is queued but the enqueue failed.
	Dispatched bool
}

// SubmissionService validates requests, reserves quota and enqueues dispatch.
type SubmissionService struct {
	jobs      scanjob.Repository
	quotas    quota.Repository
	queue     JobQueue
	limiter   SubmitLimiter
	validator TargetValidator
	logger    *logger.Logger
}

// NewSubmissionService creates a SubmissionService. limiter may be nil.
func NewSubmissionService(
	jobs scanjob.Repository,
	quotas quota.Repository,
	queue JobQueue,
	limiter SubmitLimiter,
	validator TargetValidator,
	log *logger.Logger,
) *SubmissionService {
	return &SubmissionService{
		jobs:      jobs,
		quotas:    quotas,
		queue:     queue,
		limiter:   limiter,
		validator: validator,
		logger:    log.With("component", "submission"),
	}
}

// Submit accepts a scan request. On success exactly one quota unit has been
// reserved and a queued job exists, whether or not the enqueue succeeded.
func (s *SubmissionService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	log := s.logger.With("user_id", in.UserID)

	if err := s.checkRate(ctx, in.UserID); err != nil {
		metrics.ScansSubmittedTotal.WithLabelValues(typeLabel(in.ScannerType), "rate_limited").Inc()
		return nil, err
	}

	t, err := scanjob.ParseScannerType(in.ScannerType)
	if err != nil {
		metrics.ScansSubmittedTotal.WithLabelValues("unknown", "invalid").Inc()
		return nil, err
	}
	if err := s.validator.Validate(t, in.Target); err != nil {
		metrics.ScansSubmittedTotal.WithLabelValues(t.String(), "invalid").Inc()
		return nil, err
	}
	if err := scanner.ValidateOptions(t, in.Options); err != nil {
		metrics.ScansSubmittedTotal.WithLabelValues(t.String(), "invalid").Inc()
		return nil, err
	}

	job, err := scanjob.NewScanJob("", in.UserID, t, in.Target, in.Options)
	if err != nil {
		metrics.ScansSubmittedTotal.WithLabelValues(t.String(), "invalid").Inc()
		return nil, err
	}

	reservation, err := s.quotas.ReserveAndCreate(ctx, job)
	if err != nil {
		metrics.ScansSubmittedTotal.WithLabelValues(t.String(), submitOutcome(err)).Inc()
		if errors.Is(err, scanjob.ErrQuotaExceeded) || errors.Is(err, scanjob.ErrSubscriptionRequired) {
			log.Info("scan rejected", "scanner_type", t.String(), "reason", err.Error())
			return nil, err
		}
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if reservation.RolledOver {
		log.Info("quota: period rolled over", "scanner_type", t.String())
	}

	res := &SubmitResult{
		ScanID:         job.ID,
		ScannerType:    t,
		QuotaRemaining: reservation.Counter.Remaining(),
		Dispatched:     true,
	}

	if err := s.queue.EnqueueScanDispatch(ctx, job); err != nil {
		// The job stays queued with its reservation until job recovery enqueues it again.
		metrics.ScanDispatchEnqueueFailures.WithLabelValues(t.String()).Inc()
		log.Error("failed to enqueue scan dispatch", "scan_id", job.ID, "error", err)
		res.Dispatched = false
	}

	metrics.ScansSubmittedTotal.WithLabelValues(t.String(), "accepted").Inc()
	log.Info("scan submitted",
		"scan_id", job.ID,
		"scanner_type", t.String(),
		"quota_used", reservation.Counter.Used,
		"quota_limit", reservation.Counter.Limit,
		"dispatched", res.Dispatched,
	)
	return res, nil
}

func (s *SubmissionService) checkRate(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := s.limiter.Allow(ctx, "submit:"+userID)
	if err != nil {
		// Fail open: quota still bounds spend when the limiter is down.
		s.logger.Warn("submit rate limiter unavailable", "error", err)
		return nil
	}
	if !allowed {
		return &RateLimitedError{RetryAfter: retryAfter}
	}
	return nil
}

func typeLabel(raw string) string {
	if t, err := scanjob.ParseScannerType(raw); err == nil {
		return t.String()
	}
	return "unknown"
}

func submitOutcome(err error) string {
	switch {
	case errors.Is(err, scanjob.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, scanjob.ErrSubscriptionRequired):
		return "subscription_required"
	case shared.IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}

// Get returns one of the user's scans.
func (s *SubmissionService) Get(ctx context.Context, userID, scanID string) (*scanjob.ScanJob, error) {
	if !shared.IsValidID(scanID) {
		return nil, shared.ErrNotFound
	}
	return s.jobs.GetByUserAndID(ctx, userID, scanID)
}

// List returns the user's most recent scans, newest first.
func (s *SubmissionService) List(ctx context.Context, userID string, limit int) ([]*scanjob.ScanJob, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.jobs.ListByUser(ctx, userID, limit)
}
