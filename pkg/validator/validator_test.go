package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type descriptor struct {
	ScanID string `validate:"required,scan_id,max=128"`
	Type   string `validate:"required,scanner_type"`
}

func TestValidator_CustomTags(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(descriptor{ScanID: "abc123", Type: "nmap"}))
	assert.NoError(t, v.Validate(descriptor{ScanID: "abc123", Type: "web-vuln"}))

	err := v.Validate(descriptor{ScanID: "a/b", Type: "masscan"})
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 2)
	assert.Equal(t, "scanID", verrs[0].Field)
	assert.Equal(t, "type", verrs[1].Field)
	assert.Contains(t, verrs[1].Message, "nmap")
}

func TestValidator_Required(t *testing.T) {
	err := New().Validate(descriptor{})
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "is required", verrs[0].Message)
}

func TestValidator_UsesJSONNames(t *testing.T) {
	type body struct {
		ScanID string `json:"scanId" validate:"omitempty,scan_id"`
		Target string `json:"target,omitempty" validate:"max=3"`
	}

	err := New().Validate(body{ScanID: "..", Target: "example.com"})
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 2)
	assert.Equal(t, "scanId", verrs[0].Field)
	assert.Equal(t, "target", verrs[1].Field)
	assert.Equal(t, "must be at most 3 characters", verrs[1].Message)
	assert.Equal(t, "scanId: must not contain path separators or spaces; target: must be at most 3 characters", err.Error())
}
