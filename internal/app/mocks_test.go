package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openctemio/scanworker/internal/infra/scanner"
	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/domain/quota"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
	"github.com/openctemio/scanworker/pkg/domain/shared"
)

// =============================================================================
// Scan job repository
// =============================================================================

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*scanjob.ScanJob
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*scanjob.ScanJob)}
}

func cloneJob(j *scanjob.ScanJob) *scanjob.ScanJob {
	c := *j
	return &c
}

func (r *memJobRepo) insertLocked(job *scanjob.ScanJob) error {
	if _, ok := r.jobs[job.ID]; ok {
		return shared.ErrAlreadyExists
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *memJobRepo) Create(_ context.Context, job *scanjob.ScanJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(job)
}

func (r *memJobRepo) GetByID(_ context.Context, id string) (*scanjob.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *memJobRepo) GetByUserAndID(ctx context.Context, userID, id string) (*scanjob.ScanJob, error) {
	j, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, shared.ErrNotFound
	}
	return j, nil
}

func (r *memJobRepo) Claim(_ context.Context, id string) (*scanjob.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	if j.Status != scanjob.StatusQueued {
		return nil, scanjob.ErrAlreadyClaimed
	}
	if err := j.Start(); err != nil {
		return nil, err
	}
	return cloneJob(j), nil
}

func (r *memJobRepo) Finish(_ context.Context, job *scanjob.ScanJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[job.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return shared.NewDomainError(scanjob.CodeInvalidState, "scan job already finished", shared.ErrConflict)
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *memJobRepo) ListByUser(_ context.Context, userID string, limit int) ([]*scanjob.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*scanjob.ScanJob
	for _, j := range r.jobs {
		if j.UserID == userID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memJobRepo) FailStale(_ context.Context, t scanjob.ScannerType, startedBefore time.Time, message string, limit int) ([]*scanjob.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*scanjob.ScanJob
	for _, j := range r.jobs {
		if len(out) >= limit {
			break
		}
		if j.ScannerType != t || j.Status != scanjob.StatusRunning || j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			continue
		}
		if err := j.Fail(message, ""); err != nil {
			return nil, err
		}
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (r *memJobRepo) ListQueuedBefore(_ context.Context, cutoff time.Time, limit int) ([]*scanjob.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*scanjob.ScanJob
	for _, j := range r.jobs {
		if j.Status == scanjob.StatusQueued && j.CreatedAt.Before(cutoff) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// backdate moves a job's timestamps into the past.
func (r *memJobRepo) backdate(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.CreatedAt = j.CreatedAt.Add(-d)
	if j.StartedAt != nil {
		started := j.StartedAt.Add(-d)
		j.StartedAt = &started
	}
}

func (r *memJobRepo) ListFinishedBefore(_ context.Context, cutoff time.Time, limit int) ([]*scanjob.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*scanjob.ScanJob
	for _, j := range r.jobs {
		if j.Status.IsTerminal() && (cutoff.IsZero() || j.CreatedAt.Before(cutoff)) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memJobRepo) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := r.jobs[id]; ok {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *memJobRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *memJobRepo) get(id string) *scanjob.ScanJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		return cloneJob(j)
	}
	return nil
}

// =============================================================================
// Quota repository
// =============================================================================

type counterKey struct {
	userID string
	t      scanjob.ScannerType
}

type memQuotaRepo struct {
	mu       sync.Mutex
	jobs     *memJobRepo
	accounts map[string]*quota.Account
	counters map[counterKey]*quota.Counter
	now      func() time.Time
}

func newMemQuotaRepo(jobs *memJobRepo) *memQuotaRepo {
	return &memQuotaRepo{
		jobs:     jobs,
		accounts: make(map[string]*quota.Account),
		counters: make(map[counterKey]*quota.Counter),
		now:      time.Now,
	}
}

func (r *memQuotaRepo) addAccount(userID string, plan quota.Plan, status quota.SubscriptionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[userID] = &quota.Account{UserID: userID, Plan: plan, SubscriptionStatus: status, PeriodAnchor: r.now()}
}

func (r *memQuotaRepo) setCounter(userID string, t scanjob.ScannerType, used, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[counterKey{userID, t}] = &quota.Counter{UserID: userID, ScannerType: t, Used: used, Limit: limit}
}

func (r *memQuotaRepo) counter(userID string, t scanjob.ScannerType) quota.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[counterKey{userID, t}]; ok {
		return *c
	}
	return quota.Counter{}
}

func (r *memQuotaRepo) ReserveAndCreate(_ context.Context, job *scanjob.ScanJob) (*quota.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[job.UserID]
	if !ok || !account.HasActiveSubscription() {
		return nil, scanjob.NewSubscriptionRequiredError()
	}

	res := &quota.Reservation{}
	now := r.now()
	if quota.NeedsRollover(account.PeriodAnchor, now) {
		for k, c := range r.counters {
			if k.userID == job.UserID {
				c.Used = 0
			}
		}
		account.PeriodAnchor = now
		res.RolledOver = true
	}

	key := counterKey{job.UserID, job.ScannerType}
	c, ok := r.counters[key]
	if !ok {
		c = &quota.Counter{UserID: job.UserID, ScannerType: job.ScannerType, Limit: quota.LimitFor(account.Plan, job.ScannerType)}
	}
	next := *c
	if err := next.Reserve(); err != nil {
		return nil, err
	}

	job.QuotaReserved = true
	r.jobs.mu.Lock()
	err := r.jobs.insertLocked(job)
	r.jobs.mu.Unlock()
	if err != nil {
		job.QuotaReserved = false
		return nil, err
	}

	r.counters[key] = &next
	res.Counter = next
	return res, nil
}

func (r *memQuotaRepo) Adjust(_ context.Context, userID string, t scanjob.ScannerType, status scanjob.Status, billingUnits int) (*quota.Counter, quota.Adjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[counterKey{userID, t}]
	if !ok {
		return nil, quota.Adjustment{}, shared.ErrNotFound
	}
	adj := c.Adjust(status, billingUnits)
	out := *c
	return &out, adj, nil
}

func (r *memQuotaRepo) GetAccount(_ context.Context, userID string) (*quota.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[userID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (r *memQuotaRepo) UpsertAccount(_ context.Context, account *quota.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := *account
	r.accounts[account.UserID] = &a
	return nil
}

func (r *memQuotaRepo) ListCounters(_ context.Context, userID string) ([]*quota.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*quota.Counter
	for k, c := range r.counters {
		if k.userID == userID {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}

// =============================================================================
// Queue, limiter, deduper
// =============================================================================

type fakeQueue struct {
	mu     sync.Mutex
	err    error
	queued []string
}

func (q *fakeQueue) EnqueueScanDispatch(_ context.Context, job *scanjob.ScanJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, job.ID)
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

type fakeLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.keys = append(l.keys, key)
	return l.allowed, 30 * time.Second, l.err
}

type memDedupe struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDedupe() *memDedupe {
	return &memDedupe{seen: make(map[string]bool)}
}

func (d *memDedupe) MarkReconciled(_ context.Context, scanID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[scanID] {
		return false, nil
	}
	d.seen[scanID] = true
	return true, nil
}

func (d *memDedupe) Unmark(_ context.Context, scanID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, scanID)
	return nil
}

// =============================================================================
// Runners, store, notifier
// =============================================================================

type runnerFunc func(ctx context.Context, req scanner.Request) (*scanresult.Result, error)

func (f runnerFunc) Run(ctx context.Context, req scanner.Request) (*scanresult.Result, error) {
	return f(ctx, req)
}

type fakeRegistry map[scanjob.ScannerType]scanner.Runner

func (r fakeRegistry) Lookup(t scanjob.ScannerType) (scanner.Runner, error) {
	runner, ok := r[t]
	if !ok {
		return nil, scanjob.NewUnsupportedScannerTypeError(string(t))
	}
	return runner, nil
}

type memStore struct {
	mu         sync.Mutex
	failWrites bool
	objects    map[string][]byte
	raw        map[string][]byte
	writes     int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), raw: make(map[string][]byte)}
}

func (s *memStore) Persist(_ context.Context, job *scanjob.ScanJob, result *scanresult.Result) (*delivery.Artifacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failWrites {
		return nil, scanjob.NewStorageWriteFailedError(errors.New("bucket unavailable"))
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	key := "scan-results/" + job.UserID + "/" + job.ID + ".json"
	s.objects[key] = data
	signed := "https://signed.example/" + key
	expires := time.Now().Add(7 * 24 * time.Hour)
	return &delivery.Artifacts{
		StorageURL:       "s3://results/" + key,
		SignedURL:        &signed,
		SignedURLExpires: &expires,
	}, nil
}

func (s *memStore) SaveRaw(_ context.Context, job *scanjob.ScanJob, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return scanjob.NewStorageWriteFailedError(errors.New("bucket unavailable"))
	}
	s.raw[job.ID] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) result(userID, scanID string) (*scanresult.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects["scan-results/"+userID+"/"+scanID+".json"]
	if !ok {
		return nil, false
	}
	var r scanresult.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false
	}
	return &r, true
}

type recordingNotifier struct {
	mu       sync.Mutex
	err      error
	payloads []delivery.Payload
}

func (n *recordingNotifier) Notify(_ context.Context, p delivery.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return n.err
}

func (n *recordingNotifier) sent() []delivery.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery.Payload(nil), n.payloads...)
}

// =============================================================================
// Artifacts for retention
// =============================================================================

type memArtifacts struct {
	mu      sync.Mutex
	objects map[string]time.Time
	failKey string
}

func (a *memArtifacts) ListOlder(_ context.Context, cutoff time.Time) ([]StoredObject, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []StoredObject
	for k, modified := range a.objects {
		if cutoff.IsZero() || modified.Before(cutoff) {
			out = append(out, StoredObject{Key: k, LastModified: modified})
		}
	}
	return out, nil
}

func (a *memArtifacts) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key == a.failKey {
		return errors.New("access denied")
	}
	delete(a.objects, key)
	return nil
}
