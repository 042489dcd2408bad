package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/shared"
	"github.com/openctemio/scanworker/pkg/logger"
)

// ErrInvalidSignature is returned when a callback fails authentication.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// CallbackRequest is an inbound completion webhook.
type CallbackRequest struct {
	// Secret is the shared secret presented in either accepted header.
	Secret string
	// Signature is the optional X-Signature-256 value.
	Signature string
	Body      []byte
	Fields    map[string]any
}

// CallbackService receives completion webhooks, records the outcome of
// externally run scans and reconciles quota.
type CallbackService struct {
	jobs       scanjob.Repository
	reconciler *QuotaReconciler
	signer     *delivery.Signer
	logger     *logger.Logger
}

// NewCallbackService creates a CallbackService that authenticates with secret.
func NewCallbackService(jobs scanjob.Repository, reconciler *QuotaReconciler, secret string, log *logger.Logger) *CallbackService {
	return &CallbackService{
		jobs:       jobs,
		reconciler: reconciler,
		signer:     delivery.NewSigner(secret),
		logger:     log.With("component", "callback"),
	}
}

// Authenticate checks the shared secret and, when present, the body HMAC.
func (s *CallbackService) Authenticate(req CallbackRequest) error {
	if !s.signer.VerifySecret(req.Secret) {
		return ErrInvalidSignature
	}
	if req.Signature != "" && !s.signer.Verify(req.Body, req.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Handle authenticates, normalizes and applies a callback. Redeliveries are
// harmless: terminal jobs are left alone and quota is reconciled once.
func (s *CallbackService) Handle(ctx context.Context, req CallbackRequest) (delivery.Payload, error) {
	if err := s.Authenticate(req); err != nil {
		return delivery.Payload{}, err
	}

	payload, err := delivery.Normalize(req.Fields)
	if err != nil {
		return delivery.Payload{}, err
	}
	t, err := payload.Type()
	if err != nil {
		return delivery.Payload{}, err
	}

	log := s.logger.With("scan_id", payload.ScanID, "user_id", payload.UserID, "status", payload.Status.String())

	job, err := s.record(ctx, payload)
	if err != nil {
		return delivery.Payload{}, err
	}

	// Only a unit this service reserved can be corrected here.
	if job != nil && job.QuotaReserved {
		if err := s.reconciler.ReconcileOnce(ctx, payload.ScanID, job.UserID, t, payload.Status, payload.BillingUnits); err != nil {
			return delivery.Payload{}, err
		}
	}
	log.Info("scan callback processed", "billing_units", payload.BillingUnits)
	return payload, nil
}

// record finishes a job that an external worker ran and returns it. Jobs this
// service dispatched itself are already terminal and are returned unchanged.
// An unknown scan yields a nil job.
func (s *CallbackService) record(ctx context.Context, p delivery.Payload) (*scanjob.ScanJob, error) {
	job, err := s.jobs.GetByID(ctx, p.ScanID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.logger.Info("callback for unknown scan, nothing to record", "scan_id", p.ScanID)
			return nil, nil
		}
		return nil, fmt.Errorf("load scan job: %w", err)
	}
	if job.UserID != p.UserID {
		return nil, shared.NewDomainError("INVALID_PAYLOAD", "userId does not own scan", shared.ErrValidation)
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	if p.Status == scanjob.StatusCompleted {
		if job.Status == scanjob.StatusQueued {
			if err := job.Start(); err != nil {
				return nil, err
			}
		}
		err = job.Complete(p.StorageURL, p.ReportStorageURL, max(p.BillingUnits, 1))
	} else {
		err = job.Fail(p.ErrorMessage, p.StorageURL)
	}
	if err != nil {
		return nil, err
	}

	if err := s.jobs.Finish(ctx, job); err != nil && !errors.Is(err, shared.ErrConflict) {
		return nil, fmt.Errorf("record scan outcome: %w", err)
	}
	return job, nil
}
