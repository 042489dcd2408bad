// Package scanner runs external scanner binaries under strict bounds and
// normalizes their output into canonical scan results.
package scanner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// RawSink stores a runner's unmodified output before it is transformed.
type RawSink interface {
	SaveRaw(ctx context.Context, job *scanjob.ScanJob, data []byte) error
}

// RawSinkFunc adapts a function to RawSink.
type RawSinkFunc func(ctx context.Context, job *scanjob.ScanJob, data []byte) error

func (f RawSinkFunc) SaveRaw(ctx context.Context, job *scanjob.ScanJob, data []byte) error {
	return f(ctx, job, data)
}

// Request is a single runner invocation.
type Request struct {
	Job *scanjob.ScanJob
	// Raw receives the unmodified output when the runner keeps an audit copy.
	Raw RawSink
}

// Runner executes one scan and returns its canonical result. Errors are
// ExecError values of kind ErrExecutionFailed or ErrOutputParseFailed, or
// TargetRequired.
type Runner interface {
	Run(ctx context.Context, req Request) (*scanresult.Result, error)
}

// checkRequest refuses jobs whose target a scanner could read as a flag.
func checkRequest(req Request) error {
	if req.Job == nil || strings.TrimSpace(req.Job.Target) == "" {
		return scanjob.NewTargetRequiredError()
	}
	if strings.HasPrefix(strings.TrimSpace(req.Job.Target), "-") {
		return scanjob.NewInvalidTargetError("target must not start with '-'")
	}
	return nil
}

// completed builds a completed result for job from a parsed summary.
func completed(job *scanjob.ScanJob, out *Output, summary scanresult.Summary, raw json.RawMessage, billingUnits int) *scanresult.Result {
	r := &scanresult.Result{
		ScanID:         job.ID,
		UserID:         job.UserID,
		ScannerType:    job.ScannerType,
		Target:         job.Target,
		Status:         scanjob.StatusCompleted,
		ResultsSummary: summary,
		RawOutput:      raw,
		BillingUnits:   billingUnits,
		CompletedAt:    time.Now().UTC(),
	}
	if out != nil {
		r.StartedAt = out.Started
		r.CompletedAt = out.Stopped
		if r.ResultsSummary.ScanDuration == 0 {
			r.ResultsSummary.ScanDuration = out.Duration().Seconds()
		}
	}
	if r.ResultsSummary.Findings == nil {
		r.ResultsSummary.Findings = []scanresult.Finding{}
	}
	return r
}

// rawJSON returns data unchanged when it is valid JSON, otherwise a JSON
// string holding it.
func rawJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
