package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/openctemio/scanworker/internal/app"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
	"github.com/openctemio/scanworker/pkg/domain/shared"
)

// =============================================================================
// Task Types
// =============================================================================

const (
	// TypeScanDispatch runs one queued scan job.
	TypeScanDispatch = "scan:dispatch"

	// DefaultScanQueue is the queue dispatch tasks go to.
	DefaultScanQueue = "scans"

	// dispatchGrace is added to the scanner timeout so persistence and
	// notification can finish after a killed process.
	dispatchGrace = 2 * time.Minute
)

// =============================================================================
// Task Creators
// =============================================================================

// NewScanDispatchTask creates a dispatch task for desc. Retries are new jobs,
// so the task itself is never retried. The scan id doubles as the task id,
// which makes a second enqueue of the same scan a conflict.
func NewScanDispatchTask(desc app.Descriptor, scannerTimeout time.Duration, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("marshal scan dispatch payload: %w", err)
	}
	if queue == "" {
		queue = DefaultScanQueue
	}

	return asynq.NewTask(
		TypeScanDispatch,
		payload,
		asynq.MaxRetry(0),
		asynq.Timeout(scannerTimeout+dispatchGrace),
		asynq.Queue(queue),
		asynq.TaskID(desc.ScanID),
	), nil
}

// DescriptorFor builds the task payload of a queued job.
func DescriptorFor(job *scanjob.ScanJob) app.Descriptor {
	return app.Descriptor{
		ScanID:       job.ID,
		UserID:       job.UserID,
		Type:         job.ScannerType.String(),
		Target:       job.Target,
		Options:      job.Options,
		ResultBucket: job.ResultBucket,
		ResultPath:   job.ResultPath,
	}
}

// =============================================================================
// Task Handlers
// =============================================================================

// ScanProcessor runs a dispatched scan. Implemented by app.Dispatcher.
type ScanProcessor interface {
	Process(ctx context.Context, desc app.Descriptor) (*scanresult.Result, error)
}

// ScanTaskHandler handles scan dispatch tasks.
type ScanTaskHandler struct {
	processor ScanProcessor
	log       *slog.Logger
}

// NewScanTaskHandler creates a new scan task handler.
func NewScanTaskHandler(processor ScanProcessor, log *slog.Logger) *ScanTaskHandler {
	return &ScanTaskHandler{
		processor: processor,
		log:       log,
	}
}

// HandleDispatch handles the scan dispatch task. A scan that another worker
// already claimed is not an error.
func (h *ScanTaskHandler) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	var desc app.Descriptor
	if err := json.Unmarshal(t.Payload(), &desc); err != nil {
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	result, err := h.processor.Process(ctx, desc)
	switch {
	case err == nil:
		h.log.Info("scan dispatch finished",
			"scan_id", desc.ScanID,
			"status", result.Status.String(),
		)
		return nil
	case errors.Is(err, scanjob.ErrAlreadyClaimed):
		h.log.Info("scan dispatch skipped, already claimed", "scan_id", desc.ScanID)
		return nil
	case shared.IsValidation(err):
		h.log.Warn("scan dispatch rejected", "scan_id", desc.ScanID, "error", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		h.log.Error("scan dispatch failed", "scan_id", desc.ScanID, "error", err)
		return err
	}
}

// RegisterHandlers registers scan task handlers with the asynq server mux.
func (h *ScanTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeScanDispatch, h.HandleDispatch)
}
