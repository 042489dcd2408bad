package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/openctemio/scanworker/internal/app"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
	"github.com/openctemio/scanworker/pkg/domain/shared"
	"github.com/openctemio/scanworker/pkg/logger"
	"github.com/openctemio/scanworker/pkg/validator"
)

// DescriptorProcessor runs a worker descriptor to completion.
type DescriptorProcessor interface {
	Process(ctx context.Context, desc app.Descriptor) (*scanresult.Result, error)
}

// DescriptorEnqueuer hands a worker descriptor to the task queue.
type DescriptorEnqueuer interface {
	EnqueueDescriptor(ctx context.Context, desc app.Descriptor) error
}

// ProcessHandler serves POST /process, the worker entry point.
type ProcessHandler struct {
	processor DescriptorProcessor
	queue     DescriptorEnqueuer
	inline    bool
	validator *validator.Validator
	logger    *logger.Logger
}

// NewProcessHandler creates a ProcessHandler. With a nil queue every
// descriptor is run inline.
func NewProcessHandler(processor DescriptorProcessor, queue DescriptorEnqueuer, inline bool, v *validator.Validator, log *logger.Logger) *ProcessHandler {
	return &ProcessHandler{
		processor: processor,
		queue:     queue,
		inline:    inline || queue == nil,
		validator: v,
		logger:    log.With("handler", "process"),
	}
}

// ProcessRequest is the worker job descriptor.
type ProcessRequest struct {
	ScanID       string         `json:"scanId" validate:"omitempty,scan_id"`
	UserID       string         `json:"userId" validate:"omitempty,max=128"`
	Type         string         `json:"type" validate:"max=64"`
	Target       string         `json:"target" validate:"max=2048"`
	Options      map[string]any `json:"options"`
	ResultBucket string         `json:"resultBucket" validate:"max=255"`
	ResultPath   string         `json:"resultPath" validate:"max=1024"`
}

// ProcessResponse acknowledges an accepted descriptor.
type ProcessResponse struct {
	Success bool   `json:"success"`
	ScanID  string `json:"scanId"`
	// Status is only set when the descriptor was run inline.
	Status string `json:"status,omitempty"`
}

// Process handles POST /process.
func (h *ProcessHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(req); err != nil {
		handleValidationError(w, r, err)
		return
	}

	desc := app.Descriptor{
		ScanID:       req.ScanID,
		UserID:       req.UserID,
		Type:         strings.TrimSpace(req.Type),
		Target:       strings.TrimSpace(req.Target),
		Options:      req.Options,
		ResultBucket: req.ResultBucket,
		ResultPath:   req.ResultPath,
	}
	if desc.Target == "" {
		writeDomainError(w, r, scanjob.NewTargetRequiredError(), h.logger)
		return
	}

	// Unknown types go through the processor so a failed result is still recorded.
	_, typeErr := scanjob.ParseScannerType(desc.Type)
	if h.inline || typeErr != nil {
		h.runInline(w, r, desc)
		return
	}

	if desc.ScanID == "" {
		desc.ScanID = shared.NewID()
	}
	if err := h.queue.EnqueueDescriptor(r.Context(), desc); err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}
	h.logger.Info("scan descriptor queued", "scan_id", desc.ScanID, "scanner_type", desc.Type)
	writeJSON(w, http.StatusOK, ProcessResponse{Success: true, ScanID: desc.ScanID})
}

func (h *ProcessHandler) runInline(w http.ResponseWriter, r *http.Request, desc app.Descriptor) {
	// The run outlives a dropped connection; runners carry their own timeouts.
	result, err := h.processor.Process(context.WithoutCancel(r.Context()), desc)
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, ProcessResponse{
		Success: true,
		ScanID:  result.ScanID,
		Status:  result.Status.String(),
	})
}
