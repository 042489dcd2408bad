package scanjob

import "strings"

// ScannerType is the closed set of scanner families a job can run.
type ScannerType string

const (
	TypeNetworkPort    ScannerType = "network-port"
	TypeWebVuln        ScannerType = "web-vuln"
	TypeVulnAssessment ScannerType = "vuln-assessment"
	TypeWebApp         ScannerType = "web-app"
)

// Family groups scanner types by the kind of target they accept.
type Family string

const (
	FamilyNetwork Family = "network"
	FamilyWeb     Family = "web"
)

var wireAliases = map[ScannerType]string{
	TypeNetworkPort:    "nmap",
	TypeWebVuln:        "nikto",
	TypeVulnAssessment: "openvas",
	TypeWebApp:         "zap",
}

// AllScannerTypes returns every supported scanner type.
func AllScannerTypes() []ScannerType {
	return []ScannerType{TypeNetworkPort, TypeWebVuln, TypeVulnAssessment, TypeWebApp}
}

// ParseScannerType accepts the canonical name or the tool alias used on the
// worker and webhook wire (nmap, nikto, openvas, zap).
func ParseScannerType(s string) (ScannerType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, alias := range wireAliases {
		if s == string(t) || s == alias {
			return t, nil
		}
	}
	return "", NewUnsupportedScannerTypeError(s)
}

// IsValid reports whether t is one of the supported scanner types.
func (t ScannerType) IsValid() bool {
	_, ok := wireAliases[t]
	return ok
}

// Alias returns the tool name used on the wire.
func (t ScannerType) Alias() string {
	if a, ok := wireAliases[t]; ok {
		return a
	}
	return string(t)
}

// Family returns which target family t scans.
func (t ScannerType) Family() Family {
	switch t {
	case TypeWebVuln, TypeWebApp:
		return FamilyWeb
	default:
		return FamilyNetwork
	}
}

func (t ScannerType) String() string {
	return string(t)
}
