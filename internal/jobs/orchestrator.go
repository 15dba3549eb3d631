package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/cache"
	"github.com/ottocrm/otto/internal/config"
	"github.com/ottocrm/otto/internal/shunya"
	"github.com/ottocrm/otto/internal/store"
	"github.com/ottocrm/otto/pkg/models"
)

// Trigger describes the event that starts a job: a call completed or audio
// was uploaded.
type Trigger struct {
	TenantID uuid.UUID      `json:"tenant_id"`
	JobType  string         `json:"job_type"`
	AudioURL string         `json:"audio_url"`
	CallID   string         `json:"call_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Orchestrator creates jobs, drives submissions to the external service, and
// owns the submission retry loop. It never writes domain entities, only job
// bookkeeping; completion handling goes through the Completer.
type Orchestrator struct {
	store       store.Store
	cache       cache.Cache
	gateway     shunya.Gateway
	retryDelays []time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewOrchestrator(st store.Store, ca cache.Cache, gw shunya.Gateway, cfg config.OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		store:       st,
		cache:       ca,
		gateway:     gw,
		retryDelays: cfg.RetryDelays,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Submit snapshots the trigger into an immutable input payload, creates a
// pending job, and attempts the first submission synchronously.
func (o *Orchestrator) Submit(ctx context.Context, trigger Trigger) (*models.Job, error) {
	if !models.ValidJobTypes[trigger.JobType] {
		return nil, fmt.Errorf("invalid job type %q", trigger.JobType)
	}
	if trigger.AudioURL == "" {
		return nil, fmt.Errorf("audio_url is required")
	}

	input, err := json.Marshal(trigger)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger: %w", err)
	}

	now := o.now().UTC()
	job := &models.Job{
		ID:           uuid.New(),
		TenantID:     trigger.TenantID,
		JobType:      trigger.JobType,
		Status:       models.JobStatusPending,
		InputPayload: input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	_ = o.cache.SetJobStatus(ctx, job.ID, models.JobStatusPending, statusCacheTTL)

	if err := o.attemptSubmission(ctx, job); err != nil {
		slog.Error("job submission attempt failed", "job_id", job.ID, "error", err)
	}

	// Return the fresh row so the caller sees the post-submission status.
	return o.store.GetJob(ctx, job.ID, job.TenantID)
}

// RunDueRetries re-submits pending jobs whose scheduled retry time has
// passed. Called from the reconciler sweep.
func (o *Orchestrator) RunDueRetries(ctx context.Context) int {
	due, err := o.store.FindDueForRetry(ctx, o.now().UTC())
	if err != nil {
		slog.Error("finding jobs due for retry", "error", err)
		return 0
	}

	for _, job := range due {
		if err := o.attemptSubmission(ctx, job); err != nil {
			slog.Error("job retry attempt failed", "job_id", job.ID, "error", err)
		}
	}
	return len(due)
}

// Resubmit moves a failed or timed-out job back to pending for another run.
// Operator-facing; the next sweep picks it up.
func (o *Orchestrator) Resubmit(ctx context.Context, id, tenantID uuid.UUID) (*models.Job, error) {
	job, err := o.store.GetJob(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed && job.Status != models.JobStatusTimeout {
		return nil, fmt.Errorf("job %s is %s, only failed or timeout jobs can be resubmitted", id, job.Status)
	}

	err = o.store.TransitionJob(ctx, id, job.Status, models.JobStatusPending,
		store.WithRetrySchedule(0, o.now().UTC()))
	if err != nil {
		return nil, err
	}
	_ = o.cache.SetJobStatus(ctx, id, models.JobStatusPending, statusCacheTTL)

	return o.store.GetJob(ctx, id, tenantID)
}

// attemptSubmission performs one gateway submission for a pending job and
// records the outcome: running on acceptance, a scheduled retry on a
// retryable failure with attempts remaining, failed otherwise.
func (o *Orchestrator) attemptSubmission(ctx context.Context, job *models.Job) error {
	accepted, err := o.gateway.Submit(ctx, job)
	if err == nil {
		if terr := o.store.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning,
			store.WithExternalJobID(accepted.ExternalJobID), store.ClearRetrySchedule()); terr != nil {
			return fmt.Errorf("recording acceptance: %w", terr)
		}
		_ = o.cache.SetJobStatus(ctx, job.ID, models.JobStatusRunning, statusCacheTTL)
		slog.Info("job submitted",
			"job_id", job.ID, "tenant_id", job.TenantID,
			"job_type", job.JobType, "external_job_id", accepted.ExternalJobID)
		return nil
	}

	failures := job.RetryCount + 1
	if shunya.IsRetryable(err) && failures < o.maxAttempts {
		delay := o.retryDelays[min(failures-1, len(o.retryDelays)-1)]
		if terr := o.store.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusPending,
			store.WithRetrySchedule(failures, o.now().UTC().Add(delay)),
			store.WithLastError(err.Error())); terr != nil {
			return fmt.Errorf("scheduling retry: %w", terr)
		}
		slog.Warn("job submission scheduled for retry",
			"job_id", job.ID, "attempt", failures, "delay", delay, "error", err)
		return nil
	}

	if terr := o.store.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusFailed,
		store.WithLastError(err.Error()), store.ClearRetrySchedule()); terr != nil {
		return fmt.Errorf("recording submission failure: %w", terr)
	}
	_ = o.cache.SetJobStatus(ctx, job.ID, models.JobStatusFailed, statusCacheTTL)
	slog.Error("job submission exhausted",
		"job_id", job.ID, "tenant_id", job.TenantID, "attempts", failures, "error", err)
	return nil
}
