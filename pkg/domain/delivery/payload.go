// Package delivery defines the completion webhook body and the single place
// where legacy field names are mapped onto it.
package delivery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
	"github.com/openctemio/scanworker/pkg/domain/shared"
)

// Header names a receiver accepts the shared secret under.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderScannerSecret    = "X-Scanner-Webhook-Secret"
	HeaderBodySignature    = "X-Signature-256"
)

// Payload is the body POSTed to the webhook receiver when a job finishes.
type Payload struct {
	ScanID                 string             `json:"scanId"`
	UserID                 string             `json:"userId"`
	Status                 scanjob.Status     `json:"status"`
	ResultsSummary         scanresult.Summary `json:"resultsSummary"`
	StorageURL             string             `json:"gcpStorageUrl"`
	SignedURL              *string            `json:"gcpSignedUrl"`
	SignedURLExpires       *time.Time         `json:"gcpSignedUrlExpires"`
	ReportStorageURL       string             `json:"gcpReportStorageUrl,omitempty"`
	ReportSignedURL        *string            `json:"gcpReportSignedUrl,omitempty"`
	ReportSignedURLExpires *time.Time         `json:"gcpReportSignedUrlExpires,omitempty"`
	ErrorMessage           string             `json:"errorMessage,omitempty"`
	ScannerType            string             `json:"scannerType"`
	BillingUnits           int                `json:"billingUnits"`
}

// Artifacts are the storage locations a dispatcher run produced.
type Artifacts struct {
	StorageURL             string
	SignedURL              *string
	SignedURLExpires       *time.Time
	ReportStorageURL       string
	ReportSignedURL        *string
	ReportSignedURLExpires *time.Time
}

// Build assembles the outbound payload for a finished job.
func Build(job *scanjob.ScanJob, result *scanresult.Result, art Artifacts) Payload {
	return Payload{
		ScanID:                 job.ID,
		UserID:                 job.UserID,
		Status:                 result.Status,
		ResultsSummary:         result.ResultsSummary,
		StorageURL:             art.StorageURL,
		SignedURL:              art.SignedURL,
		SignedURLExpires:       art.SignedURLExpires,
		ReportStorageURL:       art.ReportStorageURL,
		ReportSignedURL:        art.ReportSignedURL,
		ReportSignedURLExpires: art.ReportSignedURLExpires,
		ErrorMessage:           result.ErrorMessage,
		ScannerType:            job.ScannerType.Alias(),
		BillingUnits:           result.BillingUnits,
	}
}

// Type resolves the payload's scanner type, accepting either spelling.
func (p Payload) Type() (scanjob.ScannerType, error) {
	return scanjob.ParseScannerType(p.ScannerType)
}

var fieldAliases = map[string]string{
	"gcsPath":    "gcpStorageUrl",
	"storageUrl": "gcpStorageUrl",
	"gcs_url":    "gcpStorageUrl",
	"signedUrl":  "gcpSignedUrl",
	"reportPath": "gcpReportStorageUrl",
	"type":       "scannerType",
}

var statusAliases = map[string]scanjob.Status{
	"completed": scanjob.StatusCompleted,
	"done":      scanjob.StatusCompleted,
	"success":   scanjob.StatusCompleted,
	"succeeded": scanjob.StatusCompleted,
	"failed":    scanjob.StatusFailed,
	"error":     scanjob.StatusFailed,
	"cancelled": scanjob.StatusFailed,
	"canceled":  scanjob.StatusFailed,
	"timeout":   scanjob.StatusFailed,
}

// Normalize turns an inbound webhook body, possibly using legacy field
// names and status words, into a canonical Payload.
func Normalize(raw map[string]any) (Payload, error) {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if canonical, ok := fieldAliases[k]; ok {
			// A canonical key always wins over its legacy spelling.
			if _, exists := raw[canonical]; exists {
				continue
			}
			k = canonical
		}
		fields[k] = v
	}

	statusWord, _ := fields["status"].(string)
	status, ok := statusAliases[strings.ToLower(strings.TrimSpace(statusWord))]
	if !ok {
		return Payload{}, shared.NewDomainError("INVALID_PAYLOAD", fmt.Sprintf("unknown status %q", statusWord), shared.ErrValidation)
	}
	fields["status"] = string(status)

	if _, present := fields["billingUnits"]; !present || fields["billingUnits"] == nil {
		if status == scanjob.StatusCompleted {
			fields["billingUnits"] = 1
		} else {
			fields["billingUnits"] = 0
		}
	}

	// Round-trip through JSON so the typed decoding rules apply once.
	data, err := json.Marshal(fields)
	if err != nil {
		return Payload{}, fmt.Errorf("encode normalized payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, shared.NewDomainError("INVALID_PAYLOAD", "malformed webhook payload", fmt.Errorf("%w: %w", shared.ErrValidation, err))
	}
	if p.ScanID == "" || p.UserID == "" {
		return Payload{}, shared.NewDomainError("INVALID_PAYLOAD", "scanId and userId are required", shared.ErrValidation)
	}
	return p, nil
}
