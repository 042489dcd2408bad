// Package scanjob models a single scan request as it moves through the
// dispatch pipeline.
package scanjob

import (
	"time"

	"github.com/openctemio/scanworker/pkg/domain/shared"
)

// Status is the lifecycle state of a scan job. It only moves forward.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// ScanJob is a requested scan and the bookkeeping the pipeline attaches to it.
type ScanJob struct {
	ID          string
	UserID      string
	ScannerType ScannerType
	Target      string
	Options     map[string]any

	Status       Status
	ErrorMessage string
	BillingUnits int

	// QuotaReserved is set when submission took a quota unit for the job.
	// Jobs accepted directly from worker descriptors carry no reservation
	// and are never reconciled.
	QuotaReserved bool

	// ResultLocator is the durable location of the canonical JSON result.
	ResultLocator string
	// ReportLocator is the PDF report location, empty when rendering failed.
	ReportLocator string

	// Optional storage overrides supplied by the worker descriptor.
	ResultBucket string
	ResultPath   string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// NewScanJob creates a queued job. An empty id gets a generated one.
func NewScanJob(id, userID string, scannerType ScannerType, target string, options map[string]any) (*ScanJob, error) {
	if id == "" {
		id = shared.NewID()
	}
	if !shared.IsValidID(id) {
		return nil, shared.NewDomainError("VALIDATION", "scan id is not a valid identifier", shared.ErrValidation)
	}
	if !shared.IsValidID(userID) {
		return nil, shared.NewDomainError("VALIDATION", "user id is required", shared.ErrValidation)
	}
	if !scannerType.IsValid() {
		return nil, NewUnsupportedScannerTypeError(string(scannerType))
	}
	if target == "" {
		return nil, NewTargetRequiredError()
	}
	if options == nil {
		options = map[string]any{}
	}

	now := time.Now().UTC()
	return &ScanJob{
		ID:          id,
		UserID:      userID,
		ScannerType: scannerType,
		Target:      target,
		Options:     options,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Start marks the job as running.
func (j *ScanJob) Start() error {
	if j.Status != StatusQueued {
		return shared.NewDomainError(CodeInvalidState, "can only start a queued scan", shared.ErrValidation)
	}
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// Complete records a successful run. The result must already be persisted at
// locator. A completed scan always costs at least one unit.
func (j *ScanJob) Complete(locator, reportLocator string, billingUnits int) error {
	if j.Status != StatusRunning {
		return shared.NewDomainError(CodeInvalidState, "can only complete a running scan", shared.ErrValidation)
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.ResultLocator = locator
	j.ReportLocator = reportLocator
	j.BillingUnits = max(billingUnits, 1)
	j.ErrorMessage = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail records a failed run. Jobs that never left the queue may fail directly.
func (j *ScanJob) Fail(errorMessage, locator string) error {
	if j.Status.IsTerminal() {
		return shared.NewDomainError(CodeInvalidState, "cannot fail a finished scan", shared.ErrValidation)
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.ErrorMessage = errorMessage
	j.ResultLocator = locator
	j.BillingUnits = 0
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Duration is the wall time between start and completion, zero if either is unset.
func (j *ScanJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
