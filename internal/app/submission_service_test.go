package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/scanworker/pkg/domain/quota"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/logger"
	"github.com/openctemio/scanworker/pkg/validator"
)

type submissionFixture struct {
	jobs    *memJobRepo
	quotas  *memQuotaRepo
	queue   *fakeQueue
	limiter *fakeLimiter
	svc     *SubmissionService
}

func newSubmissionFixture() *submissionFixture {
	jobs := newMemJobRepo()
	f := &submissionFixture{
		jobs:    jobs,
		quotas:  newMemQuotaRepo(jobs),
		queue:   &fakeQueue{},
		limiter: &fakeLimiter{allowed: true},
	}
	f.svc = NewSubmissionService(f.jobs, f.quotas, f.queue, f.limiter, validator.NewTargetValidator(), logger.NewNop())
	return f
}

func TestSubmit_ReservesOneUnitAndQueues(t *testing.T) {
	f := newSubmissionFixture()
	f.quotas.addAccount("user-1", quota.PlanBasic, quota.SubscriptionActive)
	f.quotas.setCounter("user-1", scanjob.TypeNetworkPort, 3, 10)

	res, err := f.svc.Submit(context.Background(), SubmitInput{
		UserID:      "user-1",
		ScannerType: "nmap",
		Target:      "scanme.nmap.org",
		Options:     map[string]any{"topPorts": float64(100)},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ScanID)
	assert.Equal(t, scanjob.TypeNetworkPort, res.ScannerType)
	assert.Equal(t, 6, res.QuotaRemaining)
	assert.True(t, res.Dispatched)
	assert.Equal(t, 4, f.quotas.counter("user-1", scanjob.TypeNetworkPort).Used)

	job := f.jobs.get(res.ScanID)
	require.NotNil(t, job)
	assert.Equal(t, scanjob.StatusQueued, job.Status)
	assert.Equal(t, "scanme.nmap.org", job.Target)
	assert.Equal(t, []string{res.ScanID}, f.queue.queued)
}

// Scenario A, with internal targets allowed as configured for private deployments.
func TestSubmit_InternalTargetWhenAllowed(t *testing.T) {
	f := newSubmissionFixture()
	f.svc = NewSubmissionService(f.jobs, f.quotas, f.queue, nil,
		validator.NewTargetValidator(validator.WithAllowInternalIPs(true)), logger.NewNop())
	f.quotas.addAccount("user-1", quota.PlanPro, quota.SubscriptionActive)
	f.quotas.setCounter("user-1", scanjob.TypeNetworkPort, 2, 20)

	res, err := f.svc.Submit(context.Background(), SubmitInput{
		UserID:      "user-1",
		ScannerType: "network-port",
		Target:      "10.0.0.5",
		Options:     map[string]any{"topPorts": 100},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, f.quotas.counter("user-1", scanjob.TypeNetworkPort).Used)
	assert.Equal(t, scanjob.StatusQueued, f.jobs.get(res.ScanID).Status)
}

func TestSubmit_QuotaExceeded(t *testing.T) {
	f := newSubmissionFixture()
	f.quotas.addAccount("user-1", quota.PlanBasic, quota.SubscriptionActive)
	f.quotas.setCounter("user-1", scanjob.TypeNetworkPort, 10, 10)

	_, err := f.svc.Submit(context.Background(), SubmitInput{UserID: "user-1", ScannerType: "nmap", Target: "example.com"})

	var qe *scanjob.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 10, qe.Used)
	assert.Equal(t, 10, qe.Limit)
	assert.Equal(t, 0, f.jobs.count(), "no job may be created")
	assert.Equal(t, 10, f.quotas.counter("user-1", scanjob.TypeNetworkPort).Used, "no increment")
	assert.Zero(t, f.queue.len())
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		status  quota.SubscriptionStatus
		in      SubmitInput
		wantErr error
	}{
		{
			name:    "inactive subscription",
			status:  quota.SubscriptionCanceled,
			in:      SubmitInput{ScannerType: "nmap", Target: "example.com"},
			wantErr: scanjob.ErrSubscriptionRequired,
		},
		{
			name:    "unsupported scanner type",
			status:  quota.SubscriptionActive,
			in:      SubmitInput{ScannerType: "masscan", Target: "example.com"},
			wantErr: scanjob.ErrUnsupportedScannerType,
		},
		{
			name:    "shell metacharacters in target",
			status:  quota.SubscriptionActive,
			in:      SubmitInput{ScannerType: "nmap", Target: "example.com; rm -rf /"},
			wantErr: scanjob.ErrInvalidTarget,
		},
		{
			name:    "web scanner needs a url",
			status:  quota.SubscriptionActive,
			in:      SubmitInput{ScannerType: "nikto", Target: "example.com"},
			wantErr: scanjob.ErrInvalidTarget,
		},
		{
			name:    "internal address",
			status:  quota.SubscriptionActive,
			in:      SubmitInput{ScannerType: "nmap", Target: "10.0.0.5"},
			wantErr: scanjob.ErrInvalidTarget,
		},
		{
			name:    "disallowed option value",
			status:  quota.SubscriptionActive,
			in:      SubmitInput{ScannerType: "nmap", Target: "example.com", Options: map[string]any{"ports": "80;id"}},
			wantErr: scanjob.ErrInvalidTarget,
		},
		{
			name:    "missing target",
			status:  quota.SubscriptionActive,
			in:      SubmitInput{ScannerType: "zap"},
			wantErr: scanjob.ErrTargetRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSubmissionFixture()
			f.quotas.addAccount("user-1", quota.PlanPro, tt.status)
			tt.in.UserID = "user-1"

			_, err := f.svc.Submit(context.Background(), tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.jobs.count())
			assert.Zero(t, f.queue.len())
		})
	}
}

func TestSubmit_EnqueueFailureKeepsReservation(t *testing.T) {
	f := newSubmissionFixture()
	f.quotas.addAccount("user-1", quota.PlanBasic, quota.SubscriptionActive)
	f.queue.err = errors.New("redis: connection refused")

	res, err := f.svc.Submit(context.Background(), SubmitInput{UserID: "user-1", ScannerType: "zap", Target: "https://example.com"})
	require.NoError(t, err)

	assert.False(t, res.Dispatched)
	assert.Equal(t, 1, f.quotas.counter("user-1", scanjob.TypeWebApp).Used)
	job := f.jobs.get(res.ScanID)
	require.NotNil(t, job)
	assert.Equal(t, scanjob.StatusQueued, job.Status)
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newSubmissionFixture()
	f.quotas.addAccount("user-1", quota.PlanBasic, quota.SubscriptionActive)
	f.limiter.allowed = false

	_, err := f.svc.Submit(context.Background(), SubmitInput{UserID: "user-1", ScannerType: "nmap", Target: "example.com"})

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.ErrorIs(t, err, ErrSubmitRateLimited)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
	assert.Equal(t, []string{"submit:user-1"}, f.limiter.keys)
	assert.Equal(t, 0, f.jobs.count())
}

func TestSubmit_LimiterOutageFailsOpen(t *testing.T) {
	f := newSubmissionFixture()
	f.quotas.addAccount("user-1", quota.PlanBasic, quota.SubscriptionActive)
	f.limiter.err = errors.New("redis down")

	_, err := f.svc.Submit(context.Background(), SubmitInput{UserID: "user-1", ScannerType: "nmap", Target: "example.com"})
	assert.NoError(t, err)
}

func TestSubmit_RollsOverStalePeriod(t *testing.T) {
	f := newSubmissionFixture()
	f.quotas.addAccount("user-1", quota.PlanBasic, quota.SubscriptionActive)
	f.quotas.setCounter("user-1", scanjob.TypeNetworkPort, 10, 10)
	f.quotas.now = func() time.Time { return time.Now().AddDate(0, 1, 0) }

	res, err := f.svc.Submit(context.Background(), SubmitInput{UserID: "user-1", ScannerType: "nmap", Target: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, 9, res.QuotaRemaining)
	assert.Equal(t, 1, f.quotas.counter("user-1", scanjob.TypeNetworkPort).Used)
}

func TestSubmit_ConcurrentSubmissionsNeverOverspend(t *testing.T) {
	f := newSubmissionFixture()
	f.quotas.addAccount("user-1", quota.PlanBasic, quota.SubscriptionActive)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), SubmitInput{
				UserID:      "user-1",
				ScannerType: "nmap",
				Target:      fmt.Sprintf("host%d.example.com", i),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if errors.Is(err, scanjob.ErrQuotaExceeded) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	assert.Equal(t, 15, rejected)
	assert.Equal(t, 10, f.quotas.counter("user-1", scanjob.TypeNetworkPort).Used)
	assert.Equal(t, 10, f.jobs.count())
}

func TestSubmissionService_GetAndList(t *testing.T) {
	f := newSubmissionFixture()
	f.quotas.addAccount("user-1", quota.PlanEnterprise, quota.SubscriptionTrialing)

	var last string
	for range 60 {
		res, err := f.svc.Submit(context.Background(), SubmitInput{UserID: "user-1", ScannerType: "nmap", Target: "example.com"})
		require.NoError(t, err)
		assert.Equal(t, quota.Unlimited, res.QuotaRemaining)
		last = res.ScanID
	}

	job, err := f.svc.Get(context.Background(), "user-1", last)
	require.NoError(t, err)
	assert.Equal(t, last, job.ID)

	_, err = f.svc.Get(context.Background(), "user-2", last)
	assert.Error(t, err, "other users cannot read the scan")

	jobs, err := f.svc.List(context.Background(), "user-1", 500)
	require.NoError(t, err)
	assert.Len(t, jobs, MaxListLimit)

	jobs, err = f.svc.List(context.Background(), "user-1", 5)
	require.NoError(t, err)
	assert.Len(t, jobs, 5)
}
