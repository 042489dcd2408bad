package scanner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// Nikto is the WebTool for nikto's JSON report format.
type Nikto struct{}

func (Nikto) Name() string { return "nikto" }

func (Nikto) Args(target, reportPath string, opts Options) []string {
	args := []string{"-h", target, "-Format", "json", "-output", reportPath, "-ask", "no", "-nointeractive"}
	if opts.Tuning != "" {
		args = append(args, "-Tuning", opts.Tuning)
	}
	if opts.MaxTime > 0 {
		args = append(args, "-maxtime", strconv.Itoa(opts.MaxTime)+"s")
	}
	return args
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

type niktoHost struct {
	Host            flexString `json:"host"`
	IP              flexString `json:"ip"`
	Port            flexString `json:"port"`
	Vulnerabilities []struct {
		ID         flexString `json:"id"`
		OSVDB      flexString `json:"OSVDB"`
		Method     flexString `json:"method"`
		URL        flexString `json:"url"`
		Msg        flexString `json:"msg"`
		References flexString `json:"references"`
		Severity   flexString `json:"severity"`
	} `json:"vulnerabilities"`
}

// Parse reads either a single host object or an array of them.
func (Nikto) Parse(report []byte) ([]scanresult.Finding, error) {
	var hosts oneOrMany[niktoHost]
	if err := json.Unmarshal(report, &hosts); err != nil {
		return nil, err
	}

	findings := []scanresult.Finding{}
	for _, h := range hosts {
		host := string(h.Host)
		if host == "" {
			host = string(h.IP)
		}
		for i, v := range h.Vulnerabilities {
			id := string(v.ID)
			if id == "" {
				id = strconv.Itoa(i + 1)
			}
			title := strings.TrimSpace(string(v.Msg))
			if title == "" {
				title = "Nikto finding " + id
			}
			f := scanresult.Finding{
				// Indexed over the whole report; hosts often share check ids.
				ID:          fmt.Sprintf("nikto-%s-%d", id, len(findings)),
				Severity:    scanresult.NormalizeWebSeverity(string(v.Severity)),
				Title:       title,
				Description: string(v.Msg),
				Locator:     joinLocator(host, string(h.Port), string(v.URL)),
				Extra:       map[string]any{},
			}
			if v.Method != "" {
				f.Extra["method"] = string(v.Method)
			}
			if v.OSVDB != "" && v.OSVDB != "0" {
				f.Extra["osvdb"] = string(v.OSVDB)
			}
			if v.References != "" {
				f.Extra["references"] = string(v.References)
			}
			if len(f.Extra) == 0 {
				f.Extra = nil
			}
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func joinLocator(host, port, path string) string {
	loc := host
	if port != "" {
		loc += ":" + port
	}
	return loc + path
}
