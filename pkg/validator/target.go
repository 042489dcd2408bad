package validator

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
)

const (
	errLocalhostNotAllowed = "localhost addresses are not allowed"

	hostForbiddenChars = ";|&$`(){}[]<>\"'\\\n\r\t\x00 "
	urlForbiddenChars  = "`<>\"'\\\n\r\t\x00 "
)

// hostOrIPv4Regex accepts a dotted quad or an RFC 1123 hostname.
var hostOrIPv4Regex = regexp.MustCompile(`^(?:(?:\d{1,3}\.){3}\d{1,3}|[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*)$`)

var dottedQuadRegex = regexp.MustCompile(`^(?:\d{1,3}\.){3}\d{1,3}$`)

// TargetValidator checks scan targets per scanner family.
type TargetValidator struct {
	allowInternalIPs bool
	allowLocalhost   bool
}

// TargetValidatorOption is a functional option for TargetValidator.
type TargetValidatorOption func(*TargetValidator)

// WithAllowInternalIPs allows private and link-local addresses.
func WithAllowInternalIPs(allow bool) TargetValidatorOption {
	return func(v *TargetValidator) {
		v.allowInternalIPs = allow
	}
}

// WithAllowLocalhost allows loopback addresses and localhost names.
func WithAllowLocalhost(allow bool) TargetValidatorOption {
	return func(v *TargetValidator) {
		v.allowLocalhost = allow
	}
}

// NewTargetValidator creates a validator that blocks internal targets unless told otherwise.
func NewTargetValidator(opts ...TargetValidatorOption) *TargetValidator {
	v := &TargetValidator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks target against the rules of the scanner's family and
// returns an InvalidTarget domain error when it does not fit.
func (v *TargetValidator) Validate(t scanjob.ScannerType, target string) error {
	if strings.TrimSpace(target) == "" {
		return scanjob.NewTargetRequiredError()
	}

	var reason string
	switch t.Family() {
	case scanjob.FamilyWeb:
		// Query strings legitimately carry & and =, so only quoting and
		// control characters are refused here.
		if strings.ContainsAny(target, urlForbiddenChars) {
			return scanjob.NewInvalidTargetError("target contains forbidden characters")
		}
		reason = v.checkURL(target)
	default:
		if strings.ContainsAny(target, hostForbiddenChars) {
			return scanjob.NewInvalidTargetError("target contains forbidden characters")
		}
		reason = v.checkHost(target)
	}
	if reason != "" {
		return scanjob.NewInvalidTargetError(reason)
	}
	return nil
}

func (v *TargetValidator) checkHost(target string) string {
	if len(target) > 253 || !hostOrIPv4Regex.MatchString(target) {
		return "target must be an IPv4 address or hostname"
	}
	if dottedQuadRegex.MatchString(target) {
		ip := net.ParseIP(target)
		if ip == nil {
			return "target is not a valid IPv4 address"
		}
		return v.checkIP(ip)
	}
	if !v.allowLocalhost && isLocalhostHostname(target) {
		return errLocalhostNotAllowed
	}
	return ""
}

func (v *TargetValidator) checkURL(target string) string {
	parsed, err := url.Parse(target)
	if err != nil || !parsed.IsAbs() {
		return "target must be an absolute URL"
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "only http and https schemes are allowed"
	}
	host := parsed.Hostname()
	if host == "" {
		return "target URL has no host"
	}
	if parsed.User != nil {
		return "credentials in target URL are not allowed"
	}
	if !v.allowLocalhost && isLocalhostHostname(host) {
		return errLocalhostNotAllowed
	}
	if ip := net.ParseIP(host); ip != nil {
		return v.checkIP(ip)
	}
	return ""
}

func (v *TargetValidator) checkIP(ip net.IP) string {
	if ip.IsLoopback() {
		if v.allowLocalhost {
			return ""
		}
		return errLocalhostNotAllowed
	}
	if !v.allowInternalIPs && isInternalIP(ip) {
		return "internal IP addresses are not allowed"
	}
	return ""
}

func isLocalhostHostname(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}

func isInternalIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast()
}

