package handler_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/api/handler"
	"github.com/ottocrm/otto/internal/cache"
	"github.com/ottocrm/otto/internal/dispatch"
	"github.com/ottocrm/otto/internal/jobs"
	"github.com/ottocrm/otto/internal/shunya"
	"github.com/ottocrm/otto/internal/store"
	"github.com/ottocrm/otto/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "webhook-secret"

var webhookNow = time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)

// stubStore backs the webhook pipeline with a single job. The embedded nil
// interface panics loudly if the handler ever calls something unexpected.
type stubStore struct {
	store.Store

	mu            sync.Mutex
	job           *models.Job
	scoped        bool // when true, GetJobByExternalID honors the tenant filter
	transitionErr error
}

func (s *stubStore) GetJobByExternalID(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.ExternalJobID == nil || *s.job.ExternalJobID != externalJobID {
		return nil, store.ErrNotFound
	}
	if s.scoped && s.job.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	copied := *s.job
	return &copied, nil
}

func (s *stubStore) TransitionJob(ctx context.Context, id uuid.UUID, fromStatus, toStatus string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionErr != nil {
		return s.transitionErr
	}
	if s.job == nil || s.job.ID != id {
		return store.ErrNotFound
	}
	if s.job.Status != fromStatus {
		return store.ErrStaleTransition
	}
	s.job.Status = toStatus
	update := store.ResolveJobUpdate(opts...)
	if update.ExternalJobID != nil {
		s.job.ExternalJobID = update.ExternalJobID
	}
	if update.OutputHash != nil && s.job.ProcessedOutputHash == nil {
		s.job.ProcessedOutputHash = update.OutputHash
	}
	if update.LastError != nil {
		s.job.LastError = update.LastError
	}
	if update.RetryCount != nil {
		s.job.RetryCount = *update.RetryCount
		s.job.NextRetryAt = update.NextRetryAt
	}
	if update.ClearRetry {
		s.job.NextRetryAt = nil
	}
	return nil
}

type stubCache struct {
	cache.Cache
}

func (stubCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *stubDispatcher) Apply(ctx context.Context, tenantID uuid.UUID, jobType string, result *models.CanonicalResult) (*dispatch.AppliedSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &dispatch.AppliedSummary{TranscriptSaved: true}, nil
}

type webhookFixture struct {
	store      *stubStore
	dispatcher *stubDispatcher
	handler    http.HandlerFunc
	tenantID   uuid.UUID
	job        *models.Job
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	tenantID := uuid.New()
	extID := "ext-1"
	job := &models.Job{
		ID:            uuid.New(),
		TenantID:      tenantID,
		JobType:       models.JobTypeTranscription,
		ExternalJobID: &extID,
		Status:        models.JobStatusRunning,
	}
	st := &stubStore{job: job, scoped: true}
	d := &stubDispatcher{}

	h := handler.NewShunyaWebhookHandler(handler.WebhookDeps{
		Store:     st,
		Completer: jobs.NewCompleter(st, stubCache{}, d),
		Secret:    testWebhookSecret,
		Tolerance: 5 * time.Minute,
		Now:       func() time.Time { return webhookNow },
	})
	return &webhookFixture{store: st, dispatcher: d, handler: h, tenantID: tenantID, job: job}
}

// signedRequest builds a webhook request with a valid signature for body at
// the given send time.
func signedRequest(body []byte, sentAt time.Time) *http.Request {
	timestamp := strconv.FormatInt(sentAt.UnixMilli(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shunya", bytes.NewReader(body))
	req.Header.Set("X-Shunya-Timestamp", timestamp)
	req.Header.Set("X-Shunya-Signature", shunya.WebhookSignature(testWebhookSecret, timestamp, body))
	return req
}

func completedBody(tenantID uuid.UUID, extID string) []byte {
	return []byte(fmt.Sprintf(
		`{"external_job_id":%q,"status":"completed","company_id":%q,"result":{"transcript":"hello"}}`,
		extID, tenantID))
}

func TestWebhook_MissingHeaders(t *testing.T) {
	f := newWebhookFixture(t)
	body := completedBody(f.tenantID, "ext-1")

	tests := []struct {
		name  string
		build func() *http.Request
	}{
		{"no headers", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shunya", bytes.NewReader(body))
		}},
		{"signature only", func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shunya", bytes.NewReader(body))
			req.Header.Set("X-Shunya-Signature", "deadbeef")
			return req
		}},
		{"timestamp only", func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shunya", bytes.NewReader(body))
			req.Header.Set("X-Shunya-Timestamp", "1772409600000")
			return req
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler(rec, tt.build())
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestWebhook_StaleTimestampRejectedEvenWithValidSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body := completedBody(f.tenantID, "ext-1")

	tests := []struct {
		name   string
		sentAt time.Time
	}{
		{"too old", webhookNow.Add(-6 * time.Minute)},
		{"too far in the future", webhookNow.Add(6 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler(rec, signedRequest(body, tt.sentAt))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "STALE_TIMESTAMP")
		})
	}

	// The job was never touched.
	assert.Equal(t, models.JobStatusRunning, f.job.Status)
}

func TestWebhook_NonNumericTimestamp(t *testing.T) {
	f := newWebhookFixture(t)
	body := completedBody(f.tenantID, "ext-1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shunya", bytes.NewReader(body))
	req.Header.Set("X-Shunya-Timestamp", "yesterday")
	req.Header.Set("X-Shunya-Signature", shunya.WebhookSignature(testWebhookSecret, "yesterday", body))

	rec := httptest.NewRecorder()
	f.handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body := completedBody(f.tenantID, "ext-1")

	req := signedRequest(body, webhookNow)
	req.Header.Set("X-Shunya-Signature", shunya.WebhookSignature("wrong-secret", req.Header.Get("X-Shunya-Timestamp"), body))

	rec := httptest.NewRecorder()
	f.handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_SIGNATURE")
}

func TestWebhook_TamperedBodyRejected(t *testing.T) {
	f := newWebhookFixture(t)
	body := completedBody(f.tenantID, "ext-1")

	req := signedRequest(body, webhookNow)
	// Re-send with a different body but the original signature.
	tampered := completedBody(f.tenantID, "ext-2")
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shunya", bytes.NewReader(tampered))
	req2.Header = req.Header.Clone()

	rec := httptest.NewRecorder()
	f.handler(rec, req2)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_InvalidBody(t *testing.T) {
	f := newWebhookFixture(t)

	bodies := []string{
		`{not json`,
		`{"status":"completed","company_id":"` + f.tenantID.String() + `"}`,
		`{"external_job_id":"ext-1","status":"completed"}`,
		`{"external_job_id":"ext-1","status":"completed","company_id":"not-a-uuid"}`,
		`{"external_job_id":"ext-1","status":"exploded","company_id":"` + f.tenantID.String() + `"}`,
	}

	for _, body := range bodies {
		rec := httptest.NewRecorder()
		f.handler(rec, signedRequest([]byte(body), webhookNow))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
}

func TestWebhook_UnknownJob(t *testing.T) {
	f := newWebhookFixture(t)
	body := completedBody(f.tenantID, "ext-does-not-exist")

	rec := httptest.NewRecorder()
	f.handler(rec, signedRequest(body, webhookNow))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNKNOWN_JOB")
}

func TestWebhook_WrongTenantIsNotFound(t *testing.T) {
	f := newWebhookFixture(t)
	// A valid external id claimed by the wrong tenant resolves to nothing.
	body := completedBody(uuid.New(), "ext-1")

	rec := httptest.NewRecorder()
	f.handler(rec, signedRequest(body, webhookNow))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.JobStatusRunning, f.job.Status)
}

func TestWebhook_TenantMismatchGuard(t *testing.T) {
	f := newWebhookFixture(t)
	// Simulate a lookup that ignores tenant scoping; the independent guard
	// must still catch the mismatch.
	f.store.scoped = false
	body := completedBody(uuid.New(), "ext-1")

	rec := httptest.NewRecorder()
	f.handler(rec, signedRequest(body, webhookNow))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "TENANT_MISMATCH")
	assert.Equal(t, models.JobStatusRunning, f.job.Status)
}

func TestWebhook_CompletedApplied(t *testing.T) {
	f := newWebhookFixture(t)
	body := completedBody(f.tenantID, "ext-1")

	rec := httptest.NewRecorder()
	f.handler(rec, signedRequest(body, webhookNow))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applied"`)
	assert.Equal(t, models.JobStatusSucceeded, f.job.Status)
	assert.Equal(t, 1, f.dispatcher.calls)
}

func TestWebhook_DuplicateDeliveryIsCleanNoOp(t *testing.T) {
	f := newWebhookFixture(t)
	body := completedBody(f.tenantID, "ext-1")

	rec := httptest.NewRecorder()
	f.handler(rec, signedRequest(body, webhookNow))
	require.Equal(t, http.StatusOK, rec.Code)

	// Redelivery of the identical payload.
	rec = httptest.NewRecorder()
	f.handler(rec, signedRequest(body, webhookNow))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate"`)
	assert.Equal(t, 1, f.dispatcher.calls, "a duplicate delivery must not re-dispatch")
}

func TestWebhook_FailedNotification(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(fmt.Sprintf(
		`{"external_job_id":"ext-1","status":"failed","company_id":%q,"error":{"message":"diarization failed"}}`,
		f.tenantID))

	rec := httptest.NewRecorder()
	f.handler(rec, signedRequest(body, webhookNow))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobStatusFailed, f.job.Status)
	require.NotNil(t, f.job.LastError)
	assert.Equal(t, "diarization failed", *f.job.LastError)
}

func TestWebhook_DispatchFailureReturns500(t *testing.T) {
	f := newWebhookFixture(t)
	f.dispatcher.err = assert.AnError
	body := completedBody(f.tenantID, "ext-1")

	rec := httptest.NewRecorder()
	f.handler(rec, signedRequest(body, webhookNow))

	// 5xx tells the sender to retry with its own backoff.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.JobStatusRunning, f.job.Status)
}
