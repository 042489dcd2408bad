package scanresult

import (
	"strconv"
	"strings"
)

// Severity is the canonical finding severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// IsValid checks if s is a canonical severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// NormalizeSeverity maps a scanner's native severity to the canonical scale.
// It understands level names, ZAP risk codes (0-3) and CVSS base scores.
// Anything it does not recognize becomes low so no finding is ever lost.
func NormalizeSeverity(native string) Severity {
	v := strings.ToLower(strings.TrimSpace(native))
	// ZAP riskdesc looks like "Medium (High)": risk first, confidence in parens.
	if i := strings.IndexByte(v, '('); i > 0 {
		v = strings.TrimSpace(v[:i])
	}

	switch v {
	case "critical", "crit", "urgent":
		return SeverityCritical
	case "high", "serious", "severe":
		return SeverityHigh
	case "medium", "moderate", "med", "warning":
		return SeverityMedium
	case "low", "minor":
		return SeverityLow
	case "info", "informational", "information", "note", "none":
		return SeverityInfo
	case "0":
		return SeverityInfo
	case "1":
		return SeverityLow
	case "2":
		return SeverityMedium
	case "3":
		return SeverityHigh
	}

	if score, err := strconv.ParseFloat(v, 64); err == nil {
		return fromCVSS(score)
	}
	return SeverityLow
}

// NormalizeWebSeverity is NormalizeSeverity restricted to the four counted
// levels, folding info into low.
func NormalizeWebSeverity(native string) Severity {
	s := NormalizeSeverity(native)
	if s == SeverityInfo {
		return SeverityLow
	}
	return s
}

func fromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityInfo
	}
}
