package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/openctemio/scanworker/internal/app"
	"github.com/openctemio/scanworker/internal/infra/http/middleware"
	"github.com/openctemio/scanworker/pkg/apierror"
	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/logger"
)

// CallbackProcessor applies an inbound completion webhook.
type CallbackProcessor interface {
	Handle(ctx context.Context, req app.CallbackRequest) (delivery.Payload, error)
}

// CallbackHandler receives completion webhooks from scan workers.
type CallbackHandler struct {
	service CallbackProcessor
	logger  *logger.Logger
}

// NewCallbackHandler creates a new CallbackHandler.
func NewCallbackHandler(service CallbackProcessor, log *logger.Logger) *CallbackHandler {
	return &CallbackHandler{
		service: service,
		logger:  log.With("handler", "callback"),
	}
}

// CallbackResponse acknowledges a processed callback.
type CallbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Receive handles POST /api/v1/scans/webhook.
func (h *CallbackHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if middleware.WriteBodyTooLarge(w, r, err) {
			return
		}
		writeError(w, r, apierror.BadRequest("Unable to read request body"))
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		writeError(w, r, apierror.BadRequest("Invalid request body"))
		return
	}

	secret := r.Header.Get(delivery.HeaderWebhookSignature)
	if secret == "" {
		secret = r.Header.Get(delivery.HeaderScannerSecret)
	}

	payload, err := h.service.Handle(r.Context(), app.CallbackRequest{
		Secret:    secret,
		Signature: r.Header.Get(delivery.HeaderBodySignature),
		Body:      body,
		Fields:    fields,
	})
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, CallbackResponse{
		Success: true,
		Message: "Scan " + payload.ScanID + " recorded as " + payload.Status.String(),
	})
}
