// Package scanresult defines the canonical result every scanner's output is
// normalized into.
package scanresult

import (
	"encoding/json"
	"time"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
)

// VulnerabilityCounts is the per-level tally of findings.
type VulnerabilityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total sums all four levels.
func (v VulnerabilityCounts) Total() int {
	return v.Critical + v.High + v.Medium + v.Low
}

// Finding is one normalized issue.
type Finding struct {
	ID          string         `json:"id"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Locator     string         `json:"locator,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Summary is the scanner-agnostic rollup stored with every result.
type Summary struct {
	TotalHosts      int                 `json:"totalHosts"`
	HostsUp         int                 `json:"hostsUp"`
	TotalPorts      int                 `json:"totalPorts"`
	OpenPorts       int                 `json:"openPorts"`
	Vulnerabilities VulnerabilityCounts `json:"vulnerabilities"`
	SummaryText     string              `json:"summaryText"`
	ScanDuration    float64             `json:"scanDuration"`
	Findings        []Finding           `json:"findings"`
	OptionsUsed     map[string]any      `json:"optionsUsed,omitempty"`
}

// Recount recomputes Vulnerabilities from Findings. Info findings are not counted.
func (s *Summary) Recount() {
	var v VulnerabilityCounts
	for _, f := range s.Findings {
		switch f.Severity {
		case SeverityCritical:
			v.Critical++
		case SeverityHigh:
			v.High++
		case SeverityMedium:
			v.Medium++
		case SeverityLow:
			v.Low++
		}
	}
	s.Vulnerabilities = v
}

// Result is the canonical scan result persisted to the result store.
type Result struct {
	ScanID         string              `json:"scanId"`
	UserID         string              `json:"userId"`
	ScannerType    scanjob.ScannerType `json:"scannerType"`
	Target         string              `json:"target"`
	Status         scanjob.Status      `json:"status"`
	ResultsSummary Summary             `json:"resultsSummary"`
	RawOutput      json.RawMessage     `json:"rawOutput,omitempty"`
	BillingUnits   int                 `json:"billingUnits"`
	ErrorMessage   string              `json:"errorMessage,omitempty"`
	StartedAt      time.Time           `json:"startedAt"`
	CompletedAt    time.Time           `json:"completedAt"`
}

// Diagnostics is what a failed run keeps of the process output.
type Diagnostics struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// Failed builds the result recorded when a run produced nothing usable.
// Billing is always zero for a failed shell.
func Failed(job *scanjob.ScanJob, errorMessage string, diag *Diagnostics) *Result {
	r := &Result{
		ScanID:       job.ID,
		UserID:       job.UserID,
		ScannerType:  job.ScannerType,
		Target:       job.Target,
		Status:       scanjob.StatusFailed,
		BillingUnits: 0,
		ErrorMessage: errorMessage,
		CompletedAt:  time.Now().UTC(),
		ResultsSummary: Summary{
			SummaryText: errorMessage,
			Findings:    []Finding{},
			OptionsUsed: job.Options,
		},
	}
	if job.StartedAt != nil {
		r.StartedAt = *job.StartedAt
	}
	if diag != nil {
		if raw, err := json.Marshal(diag); err == nil {
			r.RawOutput = raw
		}
	}
	return r
}

// Succeeded reports whether the result is a completed run.
func (r *Result) Succeeded() bool {
	return r.Status == scanjob.StatusCompleted
}
