package app

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/scanworker/internal/infra/scanner"
	"github.com/openctemio/scanworker/pkg/domain/quota"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
	"github.com/openctemio/scanworker/pkg/logger"
	"github.com/openctemio/scanworker/pkg/validator"
)

const nmapTwoOpenPorts = `{"nmaprun":{"host":{
  "status":{"$":{"state":"up"}},
  "address":{"$":{"addr":"203.0.113.10"}},
  "ports":{"port":[
    {"$":{"protocol":"tcp","portid":"22"},"state":{"$":{"state":"open"}},"service":{"$":{"name":"ssh"}}},
    {"$":{"protocol":"tcp","portid":"80"},"state":{"$":{"state":"open"}},"service":{"$":{"name":"http"}}}
  ]}
}}}`

// fakeBinary writes an executable shell script standing in for a scanner.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "fake-scanner")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type dispatchFixture struct {
	jobs       *memJobRepo
	quotas     *memQuotaRepo
	store      *memStore
	notifier   *recordingNotifier
	reconciler *QuotaReconciler
}

func newDispatchFixture() *dispatchFixture {
	jobs := newMemJobRepo()
	quotas := newMemQuotaRepo(jobs)
	return &dispatchFixture{
		jobs:       jobs,
		quotas:     quotas,
		store:      newMemStore(),
		notifier:   &recordingNotifier{},
		reconciler: NewQuotaReconciler(quotas, newMemDedupe(), logger.NewNop()),
	}
}

func (f *dispatchFixture) dispatcher(registry RunnerRegistry) *Dispatcher {
	return NewDispatcher(f.jobs, registry, f.store, f.notifier, logger.NewNop())
}

// submit creates a queued job with one reserved unit, as submission would.
func (f *dispatchFixture) submit(t *testing.T, st scanjob.ScannerType, target string, used, limit int) *scanjob.ScanJob {
	t.Helper()
	f.quotas.addAccount("user-1", quota.PlanPro, quota.SubscriptionActive)
	f.quotas.setCounter("user-1", st, used, limit)
	job, err := scanjob.NewScanJob("", "user-1", st, target, nil)
	require.NoError(t, err)
	_, err = f.quotas.ReserveAndCreate(context.Background(), job)
	require.NoError(t, err)
	return job
}

// completedResult is what a runner hands back for a clean run.
func completedResult(job *scanjob.ScanJob, units int) *scanresult.Result {
	return &scanresult.Result{
		ScanID:         job.ID,
		UserID:         job.UserID,
		ScannerType:    job.ScannerType,
		Target:         job.Target,
		Status:         scanjob.StatusCompleted,
		BillingUnits:   units,
		ResultsSummary: scanresult.Summary{Findings: []scanresult.Finding{}},
	}
}

// Scenario B: one host up with ports 22 and 80 open.
func TestDispatcher_NetworkScanCompletes(t *testing.T) {
	f := newDispatchFixture()
	bin := fakeBinary(t, "cat <<'EOF'\n"+nmapTwoOpenPorts+"\nEOF\n")
	registry := fakeRegistry{
		scanjob.TypeNetworkPort: scanner.NewNetworkPortRunner(scanner.NetworkPortConfig{
			BinaryPath: bin, Timeout: 10 * time.Second, MaxOutput: 1 << 20,
		}),
	}
	job := f.submit(t, scanjob.TypeNetworkPort, "203.0.113.10", 0, 100)

	result, err := f.dispatcher(registry).Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, scanjob.StatusCompleted, result.Status)
	assert.Equal(t, 1, result.ResultsSummary.HostsUp)
	assert.Equal(t, 2, result.ResultsSummary.OpenPorts)
	require.Len(t, result.ResultsSummary.Findings, 2)
	for _, finding := range result.ResultsSummary.Findings {
		assert.Equal(t, scanresult.SeverityInfo, finding.Severity)
	}

	stored := f.jobs.get(job.ID)
	assert.Equal(t, scanjob.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.BillingUnits)
	assert.Contains(t, stored.ResultLocator, job.ID+".json")

	persisted, ok := f.store.result("user-1", job.ID)
	require.True(t, ok)
	assert.Equal(t, result.ResultsSummary.Findings, persisted.ResultsSummary.Findings)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, scanjob.StatusCompleted, sent[0].Status)
	assert.Equal(t, "nmap", sent[0].ScannerType)
	assert.NotNil(t, sent[0].SignedURL)
}

// Scenario C: the scanner exceeds its timeout and the refund lands.
func TestDispatcher_TimeoutFailsAndRefunds(t *testing.T) {
	f := newDispatchFixture()
	bin := fakeBinary(t, "exec sleep 30\n")
	registry := fakeRegistry{
		scanjob.TypeNetworkPort: scanner.NewNetworkPortRunner(scanner.NetworkPortConfig{
			BinaryPath: bin, Timeout: 200 * time.Millisecond, MaxOutput: 1 << 20,
		}),
	}
	job := f.submit(t, scanjob.TypeNetworkPort, "example.com", 4, 10)
	require.Equal(t, 5, f.quotas.counter("user-1", scanjob.TypeNetworkPort).Used)

	start := time.Now()
	result, err := f.dispatcher(registry).WithReconciler(f.reconciler).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, scanjob.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "timed out")
	assert.Equal(t, 0, result.BillingUnits)

	stored := f.jobs.get(job.ID)
	assert.Equal(t, scanjob.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "timed out")
	assert.Equal(t, 0, stored.BillingUnits)

	assert.Equal(t, 4, f.quotas.counter("user-1", scanjob.TypeNetworkPort).Used)
}

// Scenario D: the assessment wrapper prints something that is not JSON.
func TestDispatcher_MalformedAssessmentOutput(t *testing.T) {
	f := newDispatchFixture()
	bin := fakeBinary(t, "echo 'Traceback: gvm connection refused'\necho 'gvmd down' >&2\n")
	registry := fakeRegistry{
		scanjob.TypeVulnAssessment: scanner.NewVulnAssessmentRunner(scanner.VulnAssessmentConfig{
			Command: bin, Timeout: 10 * time.Second, MaxOutput: 1 << 20,
		}),
	}
	job := f.submit(t, scanjob.TypeVulnAssessment, "example.com", 0, 20)

	result, err := f.dispatcher(registry).Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, scanjob.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "non-JSON")
	assert.Contains(t, string(result.RawOutput), "Traceback")
	assert.Contains(t, string(result.RawOutput), "gvmd down")
	assert.Equal(t, scanjob.StatusFailed, f.jobs.get(job.ID).Status)

	assert.Contains(t, string(f.store.raw[job.ID]), "Traceback", "raw output is kept for audit")
}

// Scenario E: the webhook is down after the job completed.
func TestDispatcher_NotifyFailureKeepsCompletion(t *testing.T) {
	f := newDispatchFixture()
	f.notifier.err = scanjob.NewNotificationFailedError(errors.New("dial tcp: connection refused"))
	registry := fakeRegistry{
		scanjob.TypeWebVuln: runnerFunc(func(_ context.Context, req scanner.Request) (*scanresult.Result, error) {
			return &scanresult.Result{
				ScanID: req.Job.ID, UserID: req.Job.UserID, ScannerType: req.Job.ScannerType,
				Target: req.Job.Target, Status: scanjob.StatusCompleted, BillingUnits: 1,
				ResultsSummary: scanresult.Summary{Findings: []scanresult.Finding{}},
			}, nil
		}),
	}
	job := f.submit(t, scanjob.TypeWebVuln, "https://example.com", 0, 100)

	result, err := f.dispatcher(registry).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())

	assert.Equal(t, scanjob.StatusCompleted, f.jobs.get(job.ID).Status)
	_, ok := f.store.result("user-1", job.ID)
	assert.True(t, ok)
	assert.Len(t, f.notifier.sent(), 1, "exactly one attempt")
}

func TestDispatcher_StorageFailureFailsJob(t *testing.T) {
	f := newDispatchFixture()
	f.store.failWrites = true
	registry := fakeRegistry{
		scanjob.TypeWebApp: runnerFunc(func(_ context.Context, req scanner.Request) (*scanresult.Result, error) {
			return &scanresult.Result{ScanID: req.Job.ID, Status: scanjob.StatusCompleted, BillingUnits: 1}, nil
		}),
	}
	job := f.submit(t, scanjob.TypeWebApp, "https://example.com", 0, 100)

	result, err := f.dispatcher(registry).Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, scanjob.StatusFailed, result.Status)
	stored := f.jobs.get(job.ID)
	assert.Equal(t, scanjob.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "failed to persist scan result")
	assert.Empty(t, stored.ResultLocator)
	assert.Zero(t, stored.BillingUnits)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, scanjob.StatusFailed, sent[0].Status)
}

func TestDispatcher_ClaimIsSingleWriter(t *testing.T) {
	f := newDispatchFixture()
	runs := 0
	registry := fakeRegistry{
		scanjob.TypeNetworkPort: runnerFunc(func(_ context.Context, req scanner.Request) (*scanresult.Result, error) {
			runs++
			return &scanresult.Result{Status: scanjob.StatusCompleted, BillingUnits: 1}, nil
		}),
	}
	job := f.submit(t, scanjob.TypeNetworkPort, "example.com", 0, 100)
	d := f.dispatcher(registry)

	_, err := d.Execute(context.Background(), job)
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), job)
	assert.ErrorIs(t, err, scanjob.ErrAlreadyClaimed)
	assert.Equal(t, 1, runs)
	assert.Len(t, f.notifier.sent(), 1)
}

func TestDispatcher_MissingRunner(t *testing.T) {
	f := newDispatchFixture()
	job := f.submit(t, scanjob.TypeWebApp, "https://example.com", 0, 100)

	result, err := f.dispatcher(fakeRegistry{}).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, scanjob.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "unsupported scanner type")
}

func TestDispatcher_ReconcilesMultiUnitRun(t *testing.T) {
	f := newDispatchFixture()
	registry := fakeRegistry{
		scanjob.TypeVulnAssessment: scanner.NewVulnAssessmentRunner(scanner.VulnAssessmentConfig{UseMock: true, BillingUnits: 5}),
	}
	job := f.submit(t, scanjob.TypeVulnAssessment, "example.com", 2, 20)

	result, err := f.dispatcher(registry).WithReconciler(f.reconciler).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 5, result.BillingUnits)
	assert.Equal(t, 2, len(result.ResultsSummary.Findings))

	// 2 used, 1 reserved, 4 more charged on completion.
	assert.Equal(t, 7, f.quotas.counter("user-1", scanjob.TypeVulnAssessment).Used)
	assert.NotEmpty(t, f.store.raw[job.ID])
}

func TestDispatcher_ProcessExternalDescriptor(t *testing.T) {
	f := newDispatchFixture()
	registry := fakeRegistry{
		scanjob.TypeNetworkPort: runnerFunc(func(_ context.Context, req scanner.Request) (*scanresult.Result, error) {
			assert.Equal(t, "custom-bucket", req.Job.ResultBucket)
			return &scanresult.Result{Status: scanjob.StatusCompleted, BillingUnits: 1}, nil
		}),
	}

	result, err := f.dispatcher(registry).Process(context.Background(), Descriptor{
		ScanID:       "ext-1",
		UserID:       "user-9",
		Type:         "nmap",
		Target:       "example.com",
		ResultBucket: "custom-bucket",
	})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, scanjob.StatusCompleted, f.jobs.get("ext-1").Status)
}

func TestDispatcher_ProcessValidation(t *testing.T) {
	f := newDispatchFixture()
	d := f.dispatcher(fakeRegistry{})

	_, err := d.Process(context.Background(), Descriptor{ScanID: "s-1", UserID: "u-1", Type: "nmap"})
	assert.ErrorIs(t, err, scanjob.ErrTargetRequired)

	_, err = d.Process(context.Background(), Descriptor{ScanID: "s-2", UserID: "u-1", Type: "masscan", Target: "example.com"})
	require.ErrorIs(t, err, scanjob.ErrUnsupportedScannerType)

	// The failed shell is still written so consumers find a record.
	shell, ok := f.store.result("u-1", "s-2")
	require.True(t, ok)
	assert.Equal(t, scanjob.StatusFailed, shell.Status)
	assert.True(t, strings.Contains(shell.ErrorMessage, "masscan"))
	assert.Equal(t, 0, f.jobs.count())
	require.Len(t, f.notifier.sent(), 1)
	assert.Equal(t, "masscan", f.notifier.sent()[0].ScannerType)
}

func TestDispatcher_AssessmentChargesAtLeastOneUnit(t *testing.T) {
	tests := []struct {
		name  string
		units string
	}{
		{name: "zero", units: "0"},
		{name: "negative", units: "-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatchFixture()
			bin := fakeBinary(t, `echo '{"status":"completed","findings":[],"billingUnits":`+tt.units+`}'`+"\n")
			registry := fakeRegistry{
				scanjob.TypeVulnAssessment: scanner.NewVulnAssessmentRunner(scanner.VulnAssessmentConfig{
					Command: bin, Timeout: 10 * time.Second, MaxOutput: 1 << 20,
				}),
			}
			job := f.submit(t, scanjob.TypeVulnAssessment, "example.com", 2, 20)

			var result *scanresult.Result
			require.NotPanics(t, func() {
				var err error
				result, err = f.dispatcher(registry).WithReconciler(f.reconciler).Execute(context.Background(), job)
				require.NoError(t, err)
			})

			assert.Equal(t, scanjob.StatusCompleted, result.Status)
			assert.Equal(t, 1, result.BillingUnits)
			assert.Equal(t, 1, f.jobs.get(job.ID).BillingUnits)

			sent := f.notifier.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, 1, sent[0].BillingUnits)

			// The reserved unit covers the charge; nothing is refunded.
			assert.Equal(t, 3, f.quotas.counter("user-1", scanjob.TypeVulnAssessment).Used)
		})
	}
}

func TestDispatcher_ExternalDescriptorIsNeverRefunded(t *testing.T) {
	f := newDispatchFixture()
	f.quotas.addAccount("user-9", quota.PlanPro, quota.SubscriptionActive)
	f.quotas.setCounter("user-9", scanjob.TypeNetworkPort, 3, 20)
	registry := fakeRegistry{
		scanjob.TypeNetworkPort: runnerFunc(func(_ context.Context, req scanner.Request) (*scanresult.Result, error) {
			return nil, errors.New("nmap exited with status 1")
		}),
	}

	result, err := f.dispatcher(registry).WithReconciler(f.reconciler).Process(context.Background(), Descriptor{
		ScanID: "ext-1",
		UserID: "user-9",
		Type:   "nmap",
		Target: "example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, scanjob.StatusFailed, result.Status)

	stored := f.jobs.get("ext-1")
	assert.Equal(t, scanjob.StatusFailed, stored.Status)
	assert.False(t, stored.QuotaReserved)
	assert.Equal(t, 3, f.quotas.counter("user-9", scanjob.TypeNetworkPort).Used)
}

func TestDispatcher_ProcessRejectsUnsafeTargets(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		wantErr error
	}{
		{name: "option injection", target: "--script=http-fetch", wantErr: scanjob.ErrInvalidTarget},
		{name: "short option", target: "-iL/etc/passwd", wantErr: scanjob.ErrInvalidTarget},
		{name: "shell metacharacters", target: "example.com;id", wantErr: scanjob.ErrInvalidTarget},
		{name: "loopback", target: "127.0.0.1", wantErr: scanjob.ErrInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatchFixture()
			ran := false
			registry := fakeRegistry{
				scanjob.TypeNetworkPort: runnerFunc(func(_ context.Context, req scanner.Request) (*scanresult.Result, error) {
					ran = true
					return completedResult(req.Job, 1), nil
				}),
			}
			d := f.dispatcher(registry).WithTargetValidator(validator.NewTargetValidator())

			_, err := d.Process(context.Background(), Descriptor{
				ScanID: "ext-2", UserID: "user-9", Type: "nmap", Target: tt.target,
			})
			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, ran)
			assert.Zero(t, f.jobs.count())
			assert.Empty(t, f.notifier.sent())
		})
	}
}
