package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/openctemio/scanworker/internal/app"
	"github.com/openctemio/scanworker/internal/infra/http/middleware"
	"github.com/openctemio/scanworker/pkg/apierror"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/shared"
	"github.com/openctemio/scanworker/pkg/logger"
	"github.com/openctemio/scanworker/pkg/validator"
)

// ListResponse represents a list response.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
	Limit int `json:"limit"`
}

// parseQueryInt parses a query parameter as an integer.
// Returns defaultVal if the input is empty or invalid.
func parseQueryInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return val
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, e *apierror.Error) {
	e.WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
}

// decodeJSON decodes the request body into dst and writes the error response
// when it cannot. It reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if middleware.WriteBodyTooLarge(w, r, err) {
			return false
		}
		writeError(w, r, apierror.BadRequest("Invalid request body"))
		return false
	}
	return true
}

// handleValidationError converts struct validation errors to a 400 response.
func handleValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		apiErrors := make([]apierror.ValidationError, len(validationErrors))
		for i, ve := range validationErrors {
			apiErrors[i] = apierror.ValidationError{Field: ve.Field, Message: ve.Message}
		}
		writeError(w, r, apierror.ValidationFailed("Validation failed", apiErrors))
		return
	}
	writeError(w, r, apierror.BadRequest("Validation failed"))
}

// writeDomainError maps an application error onto the API error envelope.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, log *logger.Logger) {
	var (
		rateErr  *app.RateLimitedError
		quotaErr *scanjob.QuotaExceededError
	)

	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rateErr.RetryAfter.Seconds()))))
		writeError(w, r, apierror.TooManyRequests(
			fmt.Sprintf("Too many scan submissions, retry in %s", rateErr.RetryAfter.Round(time.Second))))
	case errors.As(err, &quotaErr):
		writeError(w, r, apierror.QuotaExceeded(quotaErr.Used, quotaErr.Limit))
	case errors.Is(err, scanjob.ErrSubscriptionRequired):
		writeError(w, r, apierror.New(http.StatusForbidden, apierror.CodeSubscriptionRequired, messageOf(err, "An active subscription is required")))
	case errors.Is(err, scanjob.ErrTargetRequired):
		writeError(w, r, apierror.New(http.StatusBadRequest, apierror.CodeTargetRequired, messageOf(err, "Target is required")))
	case errors.Is(err, scanjob.ErrUnsupportedScannerType):
		writeError(w, r, apierror.New(http.StatusBadRequest, apierror.CodeUnsupportedScannerType, messageOf(err, "Unsupported scanner type")))
	case errors.Is(err, scanjob.ErrInvalidTarget):
		writeError(w, r, apierror.New(http.StatusBadRequest, apierror.CodeInvalidTarget, messageOf(err, "Invalid target")))
	case errors.Is(err, shared.ErrValidation):
		writeError(w, r, apierror.ValidationFailed(messageOf(err, "Validation failed"), nil))
	case errors.Is(err, shared.ErrNotFound):
		writeError(w, r, apierror.NotFound("Scan"))
	case errors.Is(err, app.ErrInvalidSignature):
		writeError(w, r, apierror.Unauthorized("Invalid webhook signature"))
	case errors.Is(err, scanjob.ErrAlreadyClaimed), errors.Is(err, shared.ErrConflict):
		writeError(w, r, apierror.Conflict("Scan is already being processed"))
	case errors.Is(err, shared.ErrForbidden):
		writeError(w, r, apierror.Forbidden(""))
	default:
		log.WithContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, apierror.InternalError(err))
	}
}

// messageOf returns the client-facing message of a domain error.
func messageOf(err error, fallback string) string {
	var de *shared.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return fallback
}
