package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/domain/quota"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/shared"
	"github.com/openctemio/scanworker/pkg/logger"
)

const callbackSecret = "callback-secret"

type callbackFixture struct {
	jobs   *memJobRepo
	quotas *memQuotaRepo
	svc    *CallbackService
}

func newCallbackFixture() *callbackFixture {
	jobs := newMemJobRepo()
	quotas := newMemQuotaRepo(jobs)
	reconciler := NewQuotaReconciler(quotas, newMemDedupe(), logger.NewNop())
	return &callbackFixture{
		jobs:   jobs,
		quotas: quotas,
		svc:    NewCallbackService(jobs, reconciler, callbackSecret, logger.NewNop()),
	}
}

func (f *callbackFixture) queued(t *testing.T, st scanjob.ScannerType, used int) *scanjob.ScanJob {
	t.Helper()
	f.quotas.addAccount("user-1", quota.PlanPro, quota.SubscriptionActive)
	f.quotas.setCounter("user-1", st, used, 20)
	job, err := scanjob.NewScanJob("", "user-1", st, "example.com", nil)
	require.NoError(t, err)
	_, err = f.quotas.ReserveAndCreate(context.Background(), job)
	require.NoError(t, err)
	return job
}

func callback(t *testing.T, fields map[string]any, secret string) CallbackRequest {
	t.Helper()
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return CallbackRequest{
		Secret:    secret,
		Signature: delivery.NewSigner(callbackSecret).Sign(body),
		Body:      body,
		Fields:    fields,
	}
}

func TestCallback_LegacyPayloadCompletesAndCharges(t *testing.T) {
	f := newCallbackFixture()
	job := f.queued(t, scanjob.TypeVulnAssessment, 0)

	req := callback(t, map[string]any{
		"scanId":       job.ID,
		"userId":       "user-1",
		"status":       "done",
		"type":         "openvas",
		"gcsPath":      "gs://bucket/scan-results/user-1/" + job.ID + ".json",
		"billingUnits": 5,
	}, callbackSecret)

	p, err := f.svc.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, scanjob.StatusCompleted, p.Status)

	stored := f.jobs.get(job.ID)
	assert.Equal(t, scanjob.StatusCompleted, stored.Status)
	assert.Equal(t, 5, stored.BillingUnits)
	assert.Equal(t, "gs://bucket/scan-results/user-1/"+job.ID+".json", stored.ResultLocator)
	assert.Equal(t, 5, f.quotas.counter("user-1", scanjob.TypeVulnAssessment).Used)

	// Redelivery: same body, no further change.
	_, err = f.svc.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, f.quotas.counter("user-1", scanjob.TypeVulnAssessment).Used)
}

// Scenario C, receiver side: the failed outcome refunds the reserved unit.
func TestCallback_FailedRefunds(t *testing.T) {
	f := newCallbackFixture()
	job := f.queued(t, scanjob.TypeNetworkPort, 2)

	_, err := f.svc.Handle(context.Background(), callback(t, map[string]any{
		"scanId":       job.ID,
		"userId":       "user-1",
		"status":       "timeout",
		"scannerType":  "nmap",
		"errorMessage": "nmap timed out after 4m0s",
	}, callbackSecret))
	require.NoError(t, err)

	stored := f.jobs.get(job.ID)
	assert.Equal(t, scanjob.StatusFailed, stored.Status)
	assert.Equal(t, "nmap timed out after 4m0s", stored.ErrorMessage)
	assert.Equal(t, 2, f.quotas.counter("user-1", scanjob.TypeNetworkPort).Used)
}

func TestCallback_AlreadyFinishedJobIsLeftAlone(t *testing.T) {
	f := newCallbackFixture()
	job := f.queued(t, scanjob.TypeNetworkPort, 0)
	claimed, err := f.jobs.Claim(context.Background(), job.ID)
	require.NoError(t, err)
	require.NoError(t, claimed.Complete("s3://results/a.json", "", 1))
	require.NoError(t, f.jobs.Finish(context.Background(), claimed))

	_, err = f.svc.Handle(context.Background(), callback(t, map[string]any{
		"scanId": job.ID, "userId": "user-1", "status": "failed", "scannerType": "nmap",
	}, callbackSecret))
	require.NoError(t, err)
	assert.Equal(t, scanjob.StatusCompleted, f.jobs.get(job.ID).Status)
}

func TestCallback_UnreservedScansAreNotReconciled(t *testing.T) {
	tests := []struct {
		name   string
		scanID string
		seed   bool
	}{
		{name: "external job without reservation", scanID: "ext-1", seed: true},
		{name: "unknown scan", scanID: "ext-unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallbackFixture()
			f.quotas.addAccount("user-9", quota.PlanPro, quota.SubscriptionActive)
			f.quotas.setCounter("user-9", scanjob.TypeNetworkPort, 3, 20)
			if tt.seed {
				job, err := scanjob.NewScanJob(tt.scanID, "user-9", scanjob.TypeNetworkPort, "example.com", nil)
				require.NoError(t, err)
				require.NoError(t, f.jobs.Create(context.Background(), job))
			}

			_, err := f.svc.Handle(context.Background(), callback(t, map[string]any{
				"scanId": tt.scanID, "userId": "user-9", "status": "failed", "scannerType": "nmap",
			}, callbackSecret))
			require.NoError(t, err)
			assert.Equal(t, 3, f.quotas.counter("user-9", scanjob.TypeNetworkPort).Used)
		})
	}
}

func TestCallback_Authentication(t *testing.T) {
	f := newCallbackFixture()
	fields := map[string]any{"scanId": "s", "userId": "u", "status": "completed", "scannerType": "nmap"}

	_, err := f.svc.Handle(context.Background(), callback(t, fields, "wrong"))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.svc.Handle(context.Background(), callback(t, fields, ""))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	req := callback(t, fields, callbackSecret)
	req.Signature = "sha256=deadbeef"
	_, err = f.svc.Handle(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	req.Signature = ""
	_, err = f.svc.Handle(context.Background(), req)
	assert.NoError(t, err, "the body signature is optional")
}

func TestCallback_InvalidPayload(t *testing.T) {
	f := newCallbackFixture()

	_, err := f.svc.Handle(context.Background(), callback(t, map[string]any{
		"scanId": "s", "userId": "u", "status": "exploded", "scannerType": "nmap",
	}, callbackSecret))
	assert.True(t, shared.IsValidation(err))

	_, err = f.svc.Handle(context.Background(), callback(t, map[string]any{
		"scanId": "s", "userId": "u", "status": "completed", "scannerType": "masscan",
	}, callbackSecret))
	assert.ErrorIs(t, err, scanjob.ErrUnsupportedScannerType)
}
