package scanner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// ZAP is the WebTool for OWASP ZAP's quick scan with a traditional JSON report.
type ZAP struct{}

func (ZAP) Name() string { return "zap" }

func (ZAP) Args(target, reportPath string, opts Options) []string {
	args := []string{"-cmd", "-quickurl", target, "-quickout", reportPath, "-quickprogress"}
	if opts.AjaxSpider {
		args = append(args, "-quickajax")
	}
	return args
}

type zapReport struct {
	Site oneOrMany[struct {
		Name   string `json:"@name"`
		Alerts []struct {
			PluginID  flexString `json:"pluginid"`
			Alert     string     `json:"alert"`
			Name      string     `json:"name"`
			RiskCode  flexString `json:"riskcode"`
			RiskDesc  string     `json:"riskdesc"`
			Desc      string     `json:"desc"`
			Solution  string     `json:"solution"`
			CWEID     flexString `json:"cweid"`
			Count     flexString `json:"count"`
			Instances []struct {
				URI    string `json:"uri"`
				Method string `json:"method"`
			} `json:"instances"`
		} `json:"alerts"`
	}] `json:"site"`
}

var htmlTagRegex = regexp.MustCompile(`<[^>]+>`)

// Parse turns every alert into one finding. The risk code wins over the
// textual risk description when both are present.
func (ZAP) Parse(report []byte) ([]scanresult.Finding, error) {
	var r zapReport
	if err := json.Unmarshal(report, &r); err != nil {
		return nil, err
	}

	findings := []scanresult.Finding{}
	for _, site := range r.Site {
		for _, a := range site.Alerts {
			native := string(a.RiskCode)
			if native == "" {
				native = a.RiskDesc
			}
			title := a.Alert
			if title == "" {
				title = a.Name
			}
			locator := site.Name
			if len(a.Instances) > 0 && a.Instances[0].URI != "" {
				locator = a.Instances[0].URI
			}

			extra := map[string]any{}
			if a.Solution != "" {
				extra["solution"] = stripHTML(a.Solution)
			}
			if a.CWEID != "" && a.CWEID != "-1" {
				extra["cwe"] = string(a.CWEID)
			}
			if a.Count != "" {
				extra["instances"] = string(a.Count)
			}
			if len(extra) == 0 {
				extra = nil
			}

			findings = append(findings, scanresult.Finding{
				ID:          fmt.Sprintf("zap-%s-%d", a.PluginID, len(findings)),
				Severity:    scanresult.NormalizeWebSeverity(native),
				Title:       title,
				Description: stripHTML(a.Desc),
				Locator:     locator,
				Extra:       extra,
			})
		}
	}
	return findings, nil
}

func stripHTML(s string) string {
	return strings.TrimSpace(htmlTagRegex.ReplaceAllString(s, ""))
}
