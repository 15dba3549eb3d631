package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStaleTransition is returned when a compare-and-set job transition finds
// the row no longer in the expected status. The caller lost the race to the
// other delivery path and must treat the delivery as a duplicate.
var ErrStaleTransition = errors.New("stale job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	GetJobByExternalID(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	FindRunningOlderThan(ctx context.Context, age time.Duration) ([]*models.Job, error)
	FindDueForRetry(ctx context.Context, now time.Time) ([]*models.Job, error)
	FindPastCeiling(ctx context.Context, ceiling time.Duration) ([]*models.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, fromStatus, toStatus string, opts ...JobUpdateOption) error
}

// JobFilter narrows ListJobs. TenantID is mandatory; everything is
// tenant-scoped.
type JobFilter struct {
	TenantID uuid.UUID
	Status   string
	JobType  string
	Page     int
	Limit    int
}

// JobUpdate is the resolved form of a set of JobUpdateOptions. Fake stores
// use ResolveJobUpdate to mirror the real update semantics.
type JobUpdate struct {
	ExternalJobID *string
	OutputHash    *string
	OutputPayload json.RawMessage
	LastError     *string
	RetryCount    *int
	NextRetryAt   *time.Time
	ClearRetry    bool
}

type JobUpdateOption func(*JobUpdate)

// ResolveJobUpdate applies the options and returns the resulting update.
func ResolveJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// WithExternalJobID records the identifier the external service assigned.
func WithExternalJobID(id string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ExternalJobID = &id
	}
}

// WithOutput records the normalized result and its content hash. The hash is
// the idempotency guard; it is written exactly once, by the transition that
// wins the compare-and-set.
func WithOutput(hash string, payload json.RawMessage) JobUpdateOption {
	return func(p *JobUpdate) {
		p.OutputHash = &hash
		p.OutputPayload = payload
	}
}

func WithLastError(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.LastError = &msg
	}
}

// WithRetrySchedule bumps the attempt counter and sets when the next
// submission attempt becomes due.
func WithRetrySchedule(count int, at time.Time) JobUpdateOption {
	return func(p *JobUpdate) {
		p.RetryCount = &count
		p.NextRetryAt = &at
	}
}

// ClearRetrySchedule nulls next_retry_at, used when a job leaves pending.
func ClearRetrySchedule() JobUpdateOption {
	return func(p *JobUpdate) {
		p.ClearRetry = true
	}
}
