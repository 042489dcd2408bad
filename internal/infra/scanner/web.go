package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// WebTool is one web scanner's argument builder and report parser.
type WebTool interface {
	Name() string
	Args(target, reportPath string, opts Options) []string
	Parse(report []byte) ([]scanresult.Finding, error)
}

// WebVulnConfig configures a web runner.
type WebVulnConfig struct {
	BinaryPath string
	Timeout    time.Duration
	MaxOutput  int64
	WorkDir    string
}

// WebVulnRunner runs a web scanner that writes a JSON report file and
// normalizes each reported issue into one finding.
type WebVulnRunner struct {
	cfg  WebVulnConfig
	tool WebTool
}

// NewWebVulnRunner creates a runner for tool.
func NewWebVulnRunner(cfg WebVulnConfig, tool WebTool) *WebVulnRunner {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = tool.Name()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &WebVulnRunner{cfg: cfg, tool: tool}
}

// Run implements Runner.
func (r *WebVulnRunner) Run(ctx context.Context, req Request) (*scanresult.Result, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	job := req.Job
	opts := SanitizeOptions(job.ScannerType, job.Options)

	dir, err := os.MkdirTemp(r.cfg.WorkDir, r.tool.Name()+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)
	reportPath := filepath.Join(dir, "report.json")

	out, err := Exec(ctx, Command{
		Path:      r.cfg.BinaryPath,
		Args:      r.tool.Args(job.Target, reportPath, opts),
		Timeout:   r.cfg.Timeout,
		MaxOutput: r.cfg.MaxOutput,
	})
	if err != nil {
		return nil, err
	}

	report, err := readCapped(reportPath, r.cfg.MaxOutput)
	if err != nil {
		return nil, newParseError(fmt.Sprintf("%s produced no readable report", r.tool.Name()), out, err)
	}
	findings, err := r.tool.Parse(report)
	if err != nil {
		return nil, newParseError(fmt.Sprintf("could not parse %s report", r.tool.Name()), out, err)
	}

	summary := scanresult.Summary{
		TotalHosts:  1,
		HostsUp:     1,
		SummaryText: fmt.Sprintf("%s scan for %s: %d findings", r.tool.Name(), job.Target, len(findings)),
		Findings:    findings,
		OptionsUsed: opts.ToMap(),
	}
	summary.Recount()
	return completed(job, out, summary, rawJSON(report), 1), nil
}

func readCapped(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.New("report exceeds output limit")
	}
	return data, nil
}
