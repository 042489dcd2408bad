package scanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

type stubRunner struct{}

func (stubRunner) Run(context.Context, Request) (*scanresult.Result, error) { return nil, nil }

func TestDefaultRegistry_CoversEveryType(t *testing.T) {
	reg := NewDefaultRegistry(config.ScannerConfig{})
	assert.Equal(t, scanjob.AllScannerTypes(), reg.Types())

	r, err := reg.Lookup(scanjob.TypeWebApp)
	require.NoError(t, err)
	web, ok := r.(*WebVulnRunner)
	require.True(t, ok)
	assert.Equal(t, "zap", web.tool.Name())

	r, err = reg.Lookup(scanjob.TypeVulnAssessment)
	require.NoError(t, err)
	assert.IsType(t, &VulnAssessmentRunner{}, r)
}

func TestRegistry_LookupUnsupported(t *testing.T) {
	reg := NewRegistry(map[scanjob.ScannerType]Runner{scanjob.TypeNetworkPort: stubRunner{}})

	_, err := reg.Lookup(scanjob.TypeWebVuln)
	assert.ErrorIs(t, err, scanjob.ErrUnsupportedScannerType)
	assert.Equal(t, []scanjob.ScannerType{scanjob.TypeNetworkPort}, reg.Types())
}
