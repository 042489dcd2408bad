package scanjob

import (
	"errors"
	"fmt"

	"github.com/openctemio/scanworker/pkg/domain/shared"
)

// Error codes carried by DomainError values produced in the pipeline.
const (
	CodeInvalidTarget          = "INVALID_TARGET"
	CodeInvalidOptions         = "INVALID_OPTIONS"
	CodeSubscriptionRequired   = "SUBSCRIPTION_REQUIRED"
	CodeQuotaExceeded          = "QUOTA_EXCEEDED"
	CodeUnsupportedScannerType = "UNSUPPORTED_SCANNER_TYPE"
	CodeTargetRequired         = "TARGET_REQUIRED"
	CodeExecutionFailed        = "EXECUTION_FAILED"
	CodeOutputParseFailed      = "OUTPUT_PARSE_FAILED"
	CodeStorageWriteFailed     = "STORAGE_WRITE_FAILED"
	CodeNotificationFailed     = "NOTIFICATION_FAILED"
	CodeInvalidState           = "INVALID_STATE"
)

var (
	ErrInvalidTarget          = errors.New("invalid target")
	ErrSubscriptionRequired   = errors.New("subscription required")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrUnsupportedScannerType = errors.New("unsupported scanner type")
	ErrTargetRequired         = errors.New("target required")
	ErrExecutionFailed        = errors.New("execution failed")
	ErrOutputParseFailed      = errors.New("output parse failed")
	ErrStorageWriteFailed     = errors.New("storage write failed")
	ErrNotificationFailed     = errors.New("notification failed")

	// ErrAlreadyClaimed is returned when a job is no longer queued at claim time.
	ErrAlreadyClaimed = errors.New("scan job already claimed")
)

// sentinelErr joins a pipeline sentinel with a shared category so callers can
// match either one.
type sentinelErr struct {
	sentinel error
	category error
}

func (e sentinelErr) Error() string   { return e.sentinel.Error() }
func (e sentinelErr) Unwrap() []error { return []error{e.sentinel, e.category} }

func newError(code, msg string, sentinel, category error) *shared.DomainError {
	if category == nil {
		return shared.NewDomainError(code, msg, sentinel)
	}
	return shared.NewDomainError(code, msg, sentinelErr{sentinel: sentinel, category: category})
}

func NewInvalidTargetError(msg string) error {
	return newError(CodeInvalidTarget, msg, ErrInvalidTarget, shared.ErrValidation)
}

func NewInvalidOptionsError(msg string) error {
	return newError(CodeInvalidOptions, msg, ErrInvalidTarget, shared.ErrValidation)
}

func NewSubscriptionRequiredError() error {
	return newError(CodeSubscriptionRequired, "an active subscription is required", ErrSubscriptionRequired, shared.ErrForbidden)
}

func NewUnsupportedScannerTypeError(t string) error {
	return newError(CodeUnsupportedScannerType, fmt.Sprintf("unsupported scanner type %q", t), ErrUnsupportedScannerType, shared.ErrValidation)
}

func NewTargetRequiredError() error {
	return newError(CodeTargetRequired, "target is required", ErrTargetRequired, shared.ErrValidation)
}

func NewStorageWriteFailedError(err error) error {
	return shared.NewDomainError(CodeStorageWriteFailed, "failed to persist scan result", errors.Join(ErrStorageWriteFailed, err))
}

func NewNotificationFailedError(err error) error {
	return shared.NewDomainError(CodeNotificationFailed, "webhook delivery failed", errors.Join(ErrNotificationFailed, err))
}

// QuotaExceededError reports the counter state that caused a rejection.
type QuotaExceededError struct {
	ScannerType ScannerType
	Used        int
	Limit       int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d/%d used this period", e.ScannerType, e.Used, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}
