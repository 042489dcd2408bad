package scanner

import (
	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
)

// Registry maps each scanner type to its runner. It is built once at startup.
type Registry struct {
	runners map[scanjob.ScannerType]Runner
}

// NewRegistry creates a registry from an explicit mapping.
func NewRegistry(runners map[scanjob.ScannerType]Runner) *Registry {
	m := make(map[scanjob.ScannerType]Runner, len(runners))
	for t, r := range runners {
		m[t] = r
	}
	return &Registry{runners: m}
}

// NewDefaultRegistry wires every supported scanner type from configuration.
func NewDefaultRegistry(cfg config.ScannerConfig) *Registry {
	nikto := WebVulnConfig{BinaryPath: cfg.NiktoPath, Timeout: cfg.NiktoTimeout, MaxOutput: cfg.MaxOutputBytes, WorkDir: cfg.WorkDir}
	zap := WebVulnConfig{BinaryPath: cfg.ZAPPath, Timeout: cfg.ZAPTimeout, MaxOutput: cfg.MaxOutputBytes, WorkDir: cfg.WorkDir}

	return NewRegistry(map[scanjob.ScannerType]Runner{
		scanjob.TypeNetworkPort: NewNetworkPortRunner(NetworkPortConfig{
			BinaryPath: cfg.NmapPath,
			Timeout:    cfg.NmapTimeout,
			MaxOutput:  cfg.MaxOutputBytes,
		}),
		scanjob.TypeWebVuln: NewWebVulnRunner(nikto, Nikto{}),
		scanjob.TypeWebApp:  NewWebVulnRunner(zap, ZAP{}),
		scanjob.TypeVulnAssessment: NewVulnAssessmentRunner(VulnAssessmentConfig{
			Command:      cfg.OpenVASCommand,
			Timeout:      cfg.OpenVASTimeout,
			MaxOutput:    cfg.OpenVASMaxOutput,
			UseMock:      cfg.OpenVASUseMock,
			BillingUnits: cfg.OpenVASBillingUnits,
		}),
	})
}

// Lookup returns the runner for t or UnsupportedScannerType.
func (r *Registry) Lookup(t scanjob.ScannerType) (Runner, error) {
	runner, ok := r.runners[t]
	if !ok {
		return nil, scanjob.NewUnsupportedScannerTypeError(string(t))
	}
	return runner, nil
}

// Types lists the registered scanner types.
func (r *Registry) Types() []scanjob.ScannerType {
	types := make([]scanjob.ScannerType, 0, len(r.runners))
	for _, t := range scanjob.AllScannerTypes() {
		if _, ok := r.runners[t]; ok {
			types = append(types, t)
		}
	}
	return types
}
