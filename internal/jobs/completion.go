// Package jobs owns the Job lifecycle: submission, retries, the polling
// reconciler, and the single completion path both delivery routes share.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ottocrm/otto/internal/cache"
	"github.com/ottocrm/otto/internal/dispatch"
	"github.com/ottocrm/otto/internal/normalize"
	"github.com/ottocrm/otto/internal/store"
	"github.com/ottocrm/otto/pkg/models"
)

const statusCacheTTL = 30 * time.Minute

// Outcome says what a completion delivery did.
type Outcome string

const (
	// OutcomeApplied means this delivery won the transition and the result
	// was dispatched.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the result was already applied by an earlier
	// delivery (same hash, or the other path won the race). Not an error.
	OutcomeDuplicate Outcome = "duplicate"
)

// Completer runs the one completion sequence shared by the webhook receiver
// and the polling reconciler: normalize, hash-compare, dispatch, then an
// atomic compare-and-set on the job status. Because both entry points run
// this identical sequence, the webhook/poll race is resolved by the job row,
// not by code order.
type Completer struct {
	store      store.Store
	cache      cache.Cache
	dispatcher dispatch.Dispatcher
}

func NewCompleter(st store.Store, ca cache.Cache, d dispatch.Dispatcher) *Completer {
	return &Completer{store: st, cache: ca, dispatcher: d}
}

// ApplyResult applies a completed result to the job. Duplicate deliveries
// (matching hash, or a lost CAS race) return OutcomeDuplicate with no side
// effects.
func (c *Completer) ApplyResult(ctx context.Context, job *models.Job, raw json.RawMessage) (Outcome, error) {
	externalID := ""
	if job.ExternalJobID != nil {
		externalID = *job.ExternalJobID
	}

	result, err := normalize.Result(externalID, raw)
	if err != nil {
		return "", fmt.Errorf("normalize result for job %s: %w", job.ID, err)
	}
	hash, err := normalize.Hash(result)
	if err != nil {
		return "", err
	}

	// Idempotency gate: an identical payload was already applied.
	if job.ProcessedOutputHash != nil && *job.ProcessedOutputHash == hash {
		return OutcomeDuplicate, nil
	}
	if job.Terminal() {
		// Terminal with a different hash: a late, conflicting delivery.
		// The first applied result stays authoritative.
		slog.Warn("conflicting delivery for terminal job ignored",
			"job_id", job.ID, "tenant_id", job.TenantID, "status", job.Status)
		return OutcomeDuplicate, nil
	}

	// Dispatch before the transition; the dispatcher upserts by natural
	// keys, so a lost race afterwards leaves identical rows behind.
	if _, err := c.dispatcher.Apply(ctx, job.TenantID, job.JobType, result); err != nil {
		return "", fmt.Errorf("dispatch result for job %s: %w", job.ID, err)
	}

	encoded, err := normalize.Encode(result)
	if err != nil {
		return "", err
	}

	err = c.store.TransitionJob(ctx, job.ID, models.JobStatusRunning, models.JobStatusSucceeded,
		store.WithOutput(hash, encoded), store.ClearRetrySchedule())
	if errors.Is(err, store.ErrStaleTransition) {
		// The other delivery path won. Detected, not prevented.
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("transition job %s to succeeded: %w", job.ID, err)
	}

	_ = c.cache.SetJobStatus(ctx, job.ID, models.JobStatusSucceeded, statusCacheTTL)
	slog.Info("job succeeded", "job_id", job.ID, "tenant_id", job.TenantID, "job_type", job.JobType)
	return OutcomeApplied, nil
}

// ApplyFailure records a result that indicates failure.
func (c *Completer) ApplyFailure(ctx context.Context, job *models.Job, reason string) (Outcome, error) {
	if job.Terminal() {
		return OutcomeDuplicate, nil
	}

	err := c.store.TransitionJob(ctx, job.ID, models.JobStatusRunning, models.JobStatusFailed,
		store.WithLastError(reason), store.ClearRetrySchedule())
	if errors.Is(err, store.ErrStaleTransition) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("transition job %s to failed: %w", job.ID, err)
	}

	_ = c.cache.SetJobStatus(ctx, job.ID, models.JobStatusFailed, statusCacheTTL)
	slog.Info("job failed", "job_id", job.ID, "tenant_id", job.TenantID, "reason", reason)
	return OutcomeApplied, nil
}
