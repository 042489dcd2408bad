package shared

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh random identifier for scans and requests.
func NewID() string {
	return uuid.NewString()
}

// IsValidID reports whether s is usable as a path segment in object keys.
// Ids are issued by external systems (auth provider uids, document ids), so
// only the characters that would escape a key prefix are rejected.
func IsValidID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00 ")
}
