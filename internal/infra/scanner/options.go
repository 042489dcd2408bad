package scanner

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
)

// Allowed values for enumerated options.
var (
	scanProfiles = map[string]bool{"quick": true, "standard": true, "full": true}
	timings      = map[string]bool{"T0": true, "T1": true, "T2": true, "T3": true, "T4": true, "T5": true}
)

var (
	portTokenRegex = regexp.MustCompile(`^(\d{1,5})(?:-(\d{1,5}))?$`)
	tuningRegex    = regexp.MustCompile(`^[0-9a-cx]{1,16}$`)
)

const (
	maxTopPorts   = 10000
	maxNiktoTime  = 3600
	maxPortTokens = 100
)

// Options is the allow-listed subset of a job's options that may reach a
// scanner's argument vector.
type Options struct {
	Ports      string
	TopPorts   int
	Profile    string
	Timing     string
	Tuning     string
	MaxTime    int
	AjaxSpider bool
}

// ToMap returns the options as recorded in optionsUsed.
func (o Options) ToMap() map[string]any {
	m := map[string]any{}
	if o.Ports != "" {
		m["ports"] = o.Ports
	}
	if o.TopPorts > 0 {
		m["topPorts"] = o.TopPorts
	}
	if o.Profile != "" {
		m["scanProfile"] = o.Profile
	}
	if o.Timing != "" {
		m["timing"] = o.Timing
	}
	if o.Tuning != "" {
		m["tuning"] = o.Tuning
	}
	if o.MaxTime > 0 {
		m["maxTime"] = o.MaxTime
	}
	if o.AjaxSpider {
		m["ajaxSpider"] = true
	}
	return m
}

// ValidateOptions reports every option value that would be stripped by
// SanitizeOptions, so submissions can be rejected up front.
func ValidateOptions(t scanjob.ScannerType, raw map[string]any) error {
	_, problems := parseOptions(t, raw)
	if len(problems) == 0 {
		return nil
	}
	return scanjob.NewInvalidOptionsError(strings.Join(problems, "; "))
}

// SanitizeOptions keeps only allow-listed options with valid values.
func SanitizeOptions(t scanjob.ScannerType, raw map[string]any) Options {
	opts, _ := parseOptions(t, raw)
	return opts
}

func parseOptions(t scanjob.ScannerType, raw map[string]any) (Options, []string) {
	var (
		opts     Options
		problems []string
	)

	for key, value := range raw {
		switch key {
		case "ports":
			if t.Family() != scanjob.FamilyNetwork {
				continue
			}
			ports, bad := sanitizePorts(toString(value))
			if bad != "" {
				problems = append(problems, fmt.Sprintf("ports: invalid entry %q", bad))
			}
			opts.Ports = ports
		case "topPorts":
			if t != scanjob.TypeNetworkPort {
				continue
			}
			n, ok := toInt(value)
			if !ok || n < 1 || n > maxTopPorts {
				problems = append(problems, fmt.Sprintf("topPorts: must be an integer between 1 and %d", maxTopPorts))
				continue
			}
			opts.TopPorts = n
		case "scanProfile", "profile":
			p := strings.ToLower(toString(value))
			if !scanProfiles[p] {
				problems = append(problems, "scanProfile: must be one of quick, standard, full")
				continue
			}
			opts.Profile = p
		case "timing":
			tm := strings.ToUpper(toString(value))
			if !timings[tm] {
				problems = append(problems, "timing: must be one of T0..T5")
				continue
			}
			if t == scanjob.TypeNetworkPort {
				opts.Timing = tm
			}
		case "tuning":
			if t != scanjob.TypeWebVuln {
				continue
			}
			tn := toString(value)
			if !tuningRegex.MatchString(tn) {
				problems = append(problems, "tuning: only 0-9, a-c and x are allowed")
				continue
			}
			opts.Tuning = tn
		case "maxTime":
			if t != scanjob.TypeWebVuln {
				continue
			}
			n, ok := toInt(value)
			if !ok || n < 1 || n > maxNiktoTime {
				problems = append(problems, fmt.Sprintf("maxTime: must be between 1 and %d seconds", maxNiktoTime))
				continue
			}
			opts.MaxTime = n
		case "ajaxSpider":
			if t != scanjob.TypeWebApp {
				continue
			}
			b, ok := value.(bool)
			if !ok {
				problems = append(problems, "ajaxSpider: must be a boolean")
				continue
			}
			opts.AjaxSpider = b
		}
	}
	return opts, problems
}

// sanitizePorts keeps digits, commas and ranges. It returns the cleaned list
// and the first rejected token, if any.
func sanitizePorts(s string) (string, string) {
	var (
		kept []string
		bad  string
	)
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if len(kept) >= maxPortTokens || !validPortToken(tok) {
			if bad == "" {
				bad = tok
			}
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, ","), bad
}

func validPortToken(tok string) bool {
	m := portTokenRegex.FindStringSubmatch(tok)
	if m == nil {
		return false
	}
	lo, _ := strconv.Atoi(m[1])
	if lo < 1 || lo > 65535 {
		return false
	}
	if m[2] == "" {
		return true
	}
	hi, _ := strconv.Atoi(m[2])
	return hi >= lo && hi <= 65535
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}
