package jobs_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/dispatch"
	"github.com/ottocrm/otto/internal/shunya"
	"github.com/ottocrm/otto/internal/store"
	"github.com/ottocrm/otto/pkg/models"
)

// fakeStore is an in-memory Store that mirrors the compare-and-set semantics
// of the Postgres implementation.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job

	transitions []transitionCall

	// transitionErr, when set, is returned by the next TransitionJob call.
	transitionErr error
}

type transitionCall struct {
	id     uuid.UUID
	from   string
	to     string
	update store.JobUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *fakeStore) put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
}

func (s *fakeStore) get(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		copied := *j
		return &copied
	}
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *fakeStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error { return nil }
func (s *fakeStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error   { return nil }
func (s *fakeStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *fakeStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	return nil
}

func (s *fakeStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.put(job)
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j := s.get(id)
	if j == nil || j.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (s *fakeStore) GetJobByExternalID(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.ExternalJobID != nil && *j.ExternalJobID == externalJobID {
			copied := *j
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		copied := *j
		out = append(out, &copied)
	}
	return out, len(out), nil
}

func (s *fakeStore) FindRunningOlderThan(ctx context.Context, age time.Duration) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusRunning && j.UpdatedAt.Before(cutoff) {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) FindDueForRetry(ctx context.Context, now time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending && j.NextRetryAt != nil && !j.NextRetryAt.After(now) {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) FindPastCeiling(ctx context.Context, ceiling time.Duration) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-ceiling)
	var out []*models.Job
	for _, j := range s.jobs {
		if (j.Status == models.JobStatusPending || j.Status == models.JobStatusRunning) && j.CreatedAt.Before(cutoff) {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) TransitionJob(ctx context.Context, id uuid.UUID, fromStatus, toStatus string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := store.ResolveJobUpdate(opts...)
	s.transitions = append(s.transitions, transitionCall{id: id, from: fromStatus, to: toStatus, update: update})

	if s.transitionErr != nil {
		err := s.transitionErr
		s.transitionErr = nil
		return err
	}

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != fromStatus {
		return store.ErrStaleTransition
	}

	j.Status = toStatus
	j.UpdatedAt = time.Now()
	if update.ExternalJobID != nil {
		j.ExternalJobID = update.ExternalJobID
	}
	if update.OutputHash != nil {
		if j.ProcessedOutputHash == nil {
			j.ProcessedOutputHash = update.OutputHash
		}
		j.OutputPayload = update.OutputPayload
	}
	if update.LastError != nil {
		j.LastError = update.LastError
	}
	if update.RetryCount != nil {
		j.RetryCount = *update.RetryCount
		j.NextRetryAt = update.NextRetryAt
	}
	if update.ClearRetry {
		j.NextRetryAt = nil
	}
	return nil
}

var _ store.Store = (*fakeStore)(nil)

// fakeCache records job status writes and ignores everything else.
type fakeCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: make(map[uuid.UUID]string)}
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (c *fakeCache) Delete(ctx context.Context, key string) error { return nil }
func (c *fakeCache) Ping(ctx context.Context) error               { return nil }
func (c *fakeCache) Close() error                                 { return nil }

func (c *fakeCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *fakeCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[jobID]
	return status, ok, nil
}

func (c *fakeCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 1, nil
}

func (c *fakeCache) status(jobID uuid.UUID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[jobID]
}

// fakeGateway returns canned submit and poll outcomes.
type fakeGateway struct {
	mu          sync.Mutex
	submitID    string
	submitErr   error
	submitCalls int
	pollResult  *shunya.PollResult
	pollErr     error
	pollCalls   int
}

func (g *fakeGateway) submit() (*shunya.SubmitAccepted, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	return &shunya.SubmitAccepted{ExternalJobID: g.submitID}, nil
}

func (g *fakeGateway) poll() (*shunya.PollResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollCalls++
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	return g.pollResult, nil
}

func (g *fakeGateway) SubmitTranscription(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*shunya.SubmitAccepted, error) {
	return g.submit()
}
func (g *fakeGateway) StartAnalysis(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*shunya.SubmitAccepted, error) {
	return g.submit()
}
func (g *fakeGateway) SubmitSegmentation(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*shunya.SubmitAccepted, error) {
	return g.submit()
}
func (g *fakeGateway) GetTranscript(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*shunya.PollResult, error) {
	return g.poll()
}
func (g *fakeGateway) GetCompleteAnalysis(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*shunya.PollResult, error) {
	return g.poll()
}
func (g *fakeGateway) GetSegmentation(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*shunya.PollResult, error) {
	return g.poll()
}
func (g *fakeGateway) Submit(ctx context.Context, job *models.Job) (*shunya.SubmitAccepted, error) {
	return g.submit()
}
func (g *fakeGateway) Poll(ctx context.Context, job *models.Job) (*shunya.PollResult, error) {
	return g.poll()
}

var _ shunya.Gateway = (*fakeGateway)(nil)

// fakeDispatcher records Apply calls.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	lastJob string
	lastRes *models.CanonicalResult
	err     error
}

func (d *fakeDispatcher) Apply(ctx context.Context, tenantID uuid.UUID, jobType string, result *models.CanonicalResult) (*dispatch.AppliedSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastJob = jobType
	d.lastRes = result
	if d.err != nil {
		return nil, d.err
	}
	return &dispatch.AppliedSummary{TranscriptSaved: true}, nil
}

var _ dispatch.Dispatcher = (*fakeDispatcher)(nil)
