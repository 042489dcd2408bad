package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"time"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// DefaultVulnAssessmentUnits is billed when the wrapper does not report units.
const DefaultVulnAssessmentUnits = 5

// maxReportedUnits bounds what a wrapper may charge for a single scan.
const maxReportedUnits = 1000

// VulnAssessmentConfig configures the OpenVAS wrapper runner.
type VulnAssessmentConfig struct {
	Command      string
	Timeout      time.Duration
	MaxOutput    int64
	UseMock      bool
	BillingUnits int
}

// VulnAssessmentRunner hands the job to an OpenVAS wrapper on stdin and reads
// a JSON payload from its stdout.
type VulnAssessmentRunner struct {
	cfg VulnAssessmentConfig
}

// NewVulnAssessmentRunner creates a VulnAssessmentRunner.
func NewVulnAssessmentRunner(cfg VulnAssessmentConfig) *VulnAssessmentRunner {
	if cfg.Command == "" {
		cfg.Command = "openvas-wrapper"
	}
	if cfg.BillingUnits < 1 {
		cfg.BillingUnits = DefaultVulnAssessmentUnits
	}
	return &VulnAssessmentRunner{cfg: cfg}
}

type wrapperInput struct {
	ScanID  string         `json:"scanId"`
	UserID  string         `json:"userId"`
	Target  string         `json:"target"`
	Options map[string]any `json:"options"`
}

// Run implements Runner. The raw payload is handed to req.Raw before any
// parsing, so a later parse failure still leaves the audit copy behind.
func (r *VulnAssessmentRunner) Run(ctx context.Context, req Request) (*scanresult.Result, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	job := req.Job
	opts := SanitizeOptions(job.ScannerType, job.Options)

	var (
		stdout []byte
		out    *Output
	)
	if r.cfg.UseMock {
		stdout = mockPayload(job.Target)
		now := time.Now().UTC()
		out = &Output{Stdout: stdout, Started: now, Stopped: now}
	} else {
		input, err := json.Marshal(wrapperInput{ScanID: job.ID, UserID: job.UserID, Target: job.Target, Options: opts.ToMap()})
		if err != nil {
			return nil, fmt.Errorf("encode wrapper input: %w", err)
		}
		out, err = Exec(ctx, Command{
			Path:      r.cfg.Command,
			Stdin:     input,
			Timeout:   r.cfg.Timeout,
			MaxOutput: r.cfg.MaxOutput,
		})
		if err != nil {
			var ee *ExecError
			if errors.As(err, &ee) && errors.Is(err, exec.ErrNotFound) {
				ee.Message = fmt.Sprintf("OpenVAS wrapper not found: %s", r.cfg.Command)
			}
			return nil, err
		}
		stdout = out.Stdout
	}

	if len(bytes.TrimSpace(stdout)) == 0 {
		return nil, newParseError("OpenVAS wrapper returned empty stdout", out, nil)
	}
	if req.Raw != nil {
		if err := req.Raw.SaveRaw(ctx, job, stdout); err != nil {
			return nil, scanjob.NewStorageWriteFailedError(err)
		}
	}

	var payload vulnPayload
	if err := json.Unmarshal(stdout, &payload); err != nil {
		return nil, newParseError("OpenVAS wrapper returned non-JSON stdout", out, err)
	}

	summary := payload.summary(job.Target)
	summary.OptionsUsed = opts.ToMap()

	units := r.cfg.BillingUnits
	if payload.BillingUnits != nil {
		reported, err := reportedUnits(*payload.BillingUnits)
		if err != nil {
			return nil, newParseError("OpenVAS wrapper reported invalid billingUnits", out, err)
		}
		units = reported
	}

	result := completed(job, out, summary, payload.raw(stdout), units)
	if payload.Status == "failed" {
		result.Status = scanjob.StatusFailed
		result.BillingUnits = 0
		result.ErrorMessage = payload.ErrorMessage
		if result.ErrorMessage == "" {
			result.ErrorMessage = "OpenVAS wrapper reported a failed scan"
		}
	}
	return result, nil
}

// reportedUnits accepts whole numbers up to maxReportedUnits. Values below
// one pass through and are clamped when the job is recorded.
func reportedUnits(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, fmt.Errorf("billingUnits %v is not a whole number", v)
	}
	if v > maxReportedUnits {
		return 0, fmt.Errorf("billingUnits %v exceeds %d", v, maxReportedUnits)
	}
	return int(v), nil
}

type vulnSummary struct {
	TotalHosts      int                             `json:"totalHosts"`
	HostsUp         int                             `json:"hostsUp"`
	TotalPorts      int                             `json:"totalPorts"`
	OpenPorts       int                             `json:"openPorts"`
	Vulnerabilities *scanresult.VulnerabilityCounts `json:"vulnerabilities"`
	SummaryText     string                          `json:"summaryText"`
	Findings        oneOrMany[vulnFinding]          `json:"findings"`
}

type vulnFinding struct {
	ID          flexString     `json:"id"`
	Severity    flexString     `json:"severity"`
	Title       string         `json:"title"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Host        string         `json:"host"`
	Port        flexString     `json:"port"`
	Extra       map[string]any `json:"extra"`
}

type vulnPayload struct {
	vulnSummary
	Status          string          `json:"status"`
	ErrorMessage    string          `json:"errorMessage"`
	ResultsSummary  *vulnSummary    `json:"resultsSummary"`
	BillingUnits    *float64        `json:"billingUnits"`
	DurationSeconds float64         `json:"durationSeconds"`
	ScanDuration    float64         `json:"scanDuration"`
	RawOutput       json.RawMessage `json:"rawOutput"`
	Report          json.RawMessage `json:"report"`
}

// summary coalesces a nested resultsSummary with top-level fields.
func (p *vulnPayload) summary(target string) scanresult.Summary {
	src := &p.vulnSummary
	if p.ResultsSummary != nil {
		src = p.ResultsSummary
	}

	s := scanresult.Summary{
		TotalHosts:   orDefault(src.TotalHosts, 1),
		HostsUp:      orDefault(src.HostsUp, 1),
		TotalPorts:   orDefault(src.TotalPorts, src.OpenPorts),
		OpenPorts:    src.OpenPorts,
		SummaryText:  src.SummaryText,
		ScanDuration: p.DurationSeconds,
		Findings:     make([]scanresult.Finding, 0, len(src.Findings)),
	}
	if s.ScanDuration == 0 {
		s.ScanDuration = p.ScanDuration
	}
	if s.SummaryText == "" {
		s.SummaryText = fmt.Sprintf("OpenVAS scan for %s", target)
	}

	findings := src.Findings
	if len(findings) == 0 && p.ResultsSummary != nil {
		findings = p.Findings
	}
	for i, f := range findings {
		s.Findings = append(s.Findings, f.normalize(i))
	}

	if src.Vulnerabilities != nil {
		s.Vulnerabilities = *src.Vulnerabilities
	} else {
		s.Recount()
	}
	return s
}

func (f vulnFinding) normalize(i int) scanresult.Finding {
	title := f.Title
	if title == "" {
		title = f.Name
	}
	locator := f.Host
	if locator != "" && f.Port != "" {
		locator += ":" + string(f.Port)
	}
	id := string(f.ID)
	if id == "" {
		id = fmt.Sprintf("openvas-%d", i)
	}
	return scanresult.Finding{
		ID:          id,
		Severity:    scanresult.NormalizeSeverity(string(f.Severity)),
		Title:       title,
		Description: f.Description,
		Locator:     locator,
		Extra:       f.Extra,
	}
}

// raw picks the wrapper's own raw section, then its report, then the whole payload.
func (p *vulnPayload) raw(stdout []byte) json.RawMessage {
	switch {
	case len(p.RawOutput) > 0 && string(p.RawOutput) != "null":
		return p.RawOutput
	case len(p.Report) > 0 && string(p.Report) != "null":
		return p.Report
	default:
		return json.RawMessage(bytes.TrimSpace(stdout))
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func mockPayload(target string) []byte {
	payload := map[string]any{
		"status":          "completed",
		"totalHosts":      1,
		"hostsUp":         1,
		"totalPorts":      3,
		"openPorts":       2,
		"vulnerabilities": map[string]int{"critical": 0, "high": 0, "medium": 1, "low": 1},
		"summaryText":     fmt.Sprintf("Mock OpenVAS scan for %s", target),
		"findings": []map[string]string{
			{
				"id":          target + ":443/TLS",
				"severity":    "medium",
				"title":       "Mock TLS finding",
				"description": "Example mock vulnerability for smoke testing",
			},
			{
				"id":          target + ":80/HTTP",
				"severity":    "low",
				"title":       "Mock HTTP finding",
				"description": "Example informational finding",
			},
		},
		"rawOutput": map[string]bool{"mock": true},
	}
	data, _ := json.Marshal(payload)
	return data
}
