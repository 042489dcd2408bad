package storage

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// MaxReportFindings caps how many findings are listed in a PDF report.
const MaxReportFindings = 50

// ReportRenderer renders the human-readable report of a result.
type ReportRenderer interface {
	Render(result *scanresult.Result) ([]byte, error)
}

// PDFRenderer renders A4 PDF reports.
type PDFRenderer struct{}

// Render implements ReportRenderer.
func (PDFRenderer) Render(result *scanresult.Result) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Scan Report "+result.ScanID, false)
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, "Scan Report", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	s := result.ResultsSummary
	pdf.SetFont("Helvetica", "", 11)
	for _, line := range [][2]string{
		{"Scan ID", result.ScanID},
		{"User ID", result.UserID},
		{"Scanner", result.ScannerType.Alias()},
		{"Target", result.Target},
		{"Status", string(result.Status)},
		{"Completed", result.CompletedAt.UTC().Format(time.RFC3339)},
		{"Total hosts", fmt.Sprint(s.TotalHosts)},
		{"Hosts up", fmt.Sprint(s.HostsUp)},
		{"Total ports", fmt.Sprint(s.TotalPorts)},
		{"Open ports", fmt.Sprint(s.OpenPorts)},
	} {
		pdf.CellFormat(40, 7, line[0]+":", "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, tr(line[1]), "", 1, "L", false, 0, "")
	}

	v := s.Vulnerabilities
	pdf.Ln(3)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, fmt.Sprintf("Critical: %d   High: %d   Medium: %d   Low: %d", v.Critical, v.High, v.Medium, v.Low), "", 1, "L", false, 0, "")
	if s.SummaryText != "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr(s.SummaryText), "", "L", false)
	}
	if result.ErrorMessage != "" {
		pdf.SetTextColor(180, 0, 0)
		pdf.MultiCell(0, 6, tr("Error: "+result.ErrorMessage), "", "L", false)
		pdf.SetTextColor(0, 0, 0)
	}

	if len(s.Findings) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 14)
		pdf.CellFormat(0, 9, "Findings", "", 1, "L", false, 0, "")

		for i, f := range s.Findings {
			if i == MaxReportFindings {
				pdf.SetFont("Helvetica", "I", 10)
				pdf.MultiCell(0, 6, fmt.Sprintf("... %d more findings omitted. See the JSON result for the full list.", len(s.Findings)-MaxReportFindings), "", "L", false)
				break
			}
			pdf.SetFont("Helvetica", "B", 11)
			pdf.MultiCell(0, 6, tr(fmt.Sprintf("%d. [%s] %s", i+1, strings.ToUpper(string(f.Severity)), f.Title)), "", "L", false)
			pdf.SetFont("Helvetica", "", 10)
			if f.Locator != "" {
				pdf.MultiCell(0, 5, tr(f.Locator), "", "L", false)
			}
			if f.Description != "" && f.Description != f.Title {
				pdf.MultiCell(0, 5, tr(f.Description), "", "L", false)
			}
			pdf.Ln(2)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
