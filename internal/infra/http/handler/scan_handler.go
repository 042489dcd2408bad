package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openctemio/scanworker/internal/app"
	"github.com/openctemio/scanworker/internal/infra/http/middleware"
	"github.com/openctemio/scanworker/pkg/apierror"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/logger"
	"github.com/openctemio/scanworker/pkg/validator"
)

// ScanService is the part of app.SubmissionService the scan endpoints use.
type ScanService interface {
	Submit(ctx context.Context, in app.SubmitInput) (*app.SubmitResult, error)
	Get(ctx context.Context, userID, scanID string) (*scanjob.ScanJob, error)
	List(ctx context.Context, userID string, limit int) ([]*scanjob.ScanJob, error)
}

// ScanHandler handles HTTP requests for scans.
type ScanHandler struct {
	service   ScanService
	validator *validator.Validator
	logger    *logger.Logger
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(service ScanService, v *validator.Validator, log *logger.Logger) *ScanHandler {
	return &ScanHandler{
		service:   service,
		validator: v,
		logger:    log.With("handler", "scan"),
	}
}

// --- Request/Response Types ---

// CreateScanRequest is the body of POST /api/v1/scans. An empty target is
// left to the service so it is reported as TARGET_REQUIRED.
type CreateScanRequest struct {
	Type    string         `json:"type" validate:"required,scanner_type"`
	Target  string         `json:"target" validate:"max=2048"`
	Options map[string]any `json:"options"`
}

// CreateScanResponse is returned for an accepted submission.
type CreateScanResponse struct {
	Success bool   `json:"success"`
	ScanID  string `json:"scanId"`
	// QuotaRemaining is quota.Unlimited (-1) for uncapped plans.
	QuotaRemaining int    `json:"quotaRemaining"`
	Message        string `json:"message"`
}

// ScanResponse represents a scan job in API responses.
type ScanResponse struct {
	ID            string         `json:"scanId"`
	Type          string         `json:"type"`
	Scanner       string         `json:"scanner"`
	Target        string         `json:"target"`
	Options       map[string]any `json:"options,omitempty"`
	Status        string         `json:"status"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	BillingUnits  int            `json:"billingUnits"`
	ResultLocator string         `json:"resultLocator,omitempty"`
	ReportLocator string         `json:"reportLocator,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

func toScanResponse(j *scanjob.ScanJob) ScanResponse {
	return ScanResponse{
		ID:            j.ID,
		Type:          j.ScannerType.String(),
		Scanner:       j.ScannerType.Alias(),
		Target:        j.Target,
		Options:       j.Options,
		Status:        j.Status.String(),
		ErrorMessage:  j.ErrorMessage,
		BillingUnits:  j.BillingUnits,
		ResultLocator: j.ResultLocator,
		ReportLocator: j.ReportLocator,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

// Create handles POST /api/v1/scans.
func (h *ScanHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, r, apierror.Unauthorized(""))
		return
	}

	var req CreateScanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(req); err != nil {
		handleValidationError(w, r, err)
		return
	}

	result, err := h.service.Submit(r.Context(), app.SubmitInput{
		UserID:      userID,
		ScannerType: req.Type,
		Target:      req.Target,
		Options:     req.Options,
	})
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	message := "Scan queued"
	if !result.Dispatched {
		message = "Scan accepted, dispatch pending"
	}

	writeJSON(w, http.StatusCreated, CreateScanResponse{
		Success:        true,
		ScanID:         result.ScanID,
		QuotaRemaining: result.QuotaRemaining,
		Message:        message,
	})
}

// List handles GET /api/v1/scans.
func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, r, apierror.Unauthorized(""))
		return
	}

	limit := parseQueryInt(r.URL.Query().Get("limit"), app.MaxListLimit)
	if limit < 1 || limit > app.MaxListLimit {
		limit = app.MaxListLimit
	}

	jobs, err := h.service.List(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	data := make([]ScanResponse, 0, len(jobs))
	for _, j := range jobs {
		data = append(data, toScanResponse(j))
	}
	writeJSON(w, http.StatusOK, ListResponse[ScanResponse]{
		Data:  data,
		Total: len(data),
		Limit: limit,
	})
}

// Get handles GET /api/v1/scans/{scanId}.
func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, r, apierror.Unauthorized(""))
		return
	}

	job, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "scanId"))
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(job))
}
