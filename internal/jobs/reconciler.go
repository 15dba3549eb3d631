package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/cache"
	"github.com/ottocrm/otto/internal/config"
	"github.com/ottocrm/otto/internal/shunya"
	"github.com/ottocrm/otto/internal/store"
	"github.com/ottocrm/otto/pkg/models"
)

// Reconciler is the pull-side fallback: a background sweep that discovers
// results for jobs whose webhook never arrived. It routes completions
// through the identical Completer path as the webhook receiver, so the
// at-most-once property holds regardless of which path wins.
type Reconciler struct {
	store        store.Store
	cache        cache.Cache
	gateway      shunya.Gateway
	completer    *Completer
	orchestrator *Orchestrator

	sweepInterval time.Duration
	gracePeriod   time.Duration
	pollBackoff   []time.Duration
	ceiling       time.Duration

	mu       sync.Mutex
	pollPlan map[uuid.UUID]pollState

	now func() time.Time
}

type pollState struct {
	attempts int
	nextAt   time.Time
}

func NewReconciler(st store.Store, ca cache.Cache, gw shunya.Gateway, comp *Completer, orch *Orchestrator,
	cfg config.ReconcilerConfig, ceiling time.Duration) *Reconciler {
	return &Reconciler{
		store:         st,
		cache:         ca,
		gateway:       gw,
		completer:     comp,
		orchestrator:  orch,
		sweepInterval: cfg.SweepInterval,
		gracePeriod:   cfg.GracePeriod,
		pollBackoff:   cfg.PollBackoff,
		ceiling:       ceiling,
		pollPlan:      make(map[uuid.UUID]pollState),
		now:           time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Run sweeps on a fixed interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	slog.Info("reconciler started", "interval", r.sweepInterval, "grace_period", r.gracePeriod)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass: abandon jobs past the wall-clock
// ceiling, re-submit due retries, then poll running jobs past the webhook
// grace period. Polls run sequentially; the external service's concurrency
// limits are unconfirmed.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.markTimedOut(ctx)
	r.orchestrator.RunDueRetries(ctx)
	r.pollOverdue(ctx)
}

// markTimedOut abandons jobs that have produced no terminal result within
// the ceiling of their creation, regardless of retry or backoff state.
func (r *Reconciler) markTimedOut(ctx context.Context) {
	expired, err := r.store.FindPastCeiling(ctx, r.ceiling)
	if err != nil {
		slog.Error("finding jobs past ceiling", "error", err)
		return
	}

	for _, job := range expired {
		err := r.store.TransitionJob(ctx, job.ID, job.Status, models.JobStatusTimeout,
			store.WithLastError("no result within ceiling"), store.ClearRetrySchedule())
		if err != nil {
			// Lost a race with a late delivery; that is fine, a result beats
			// a timeout.
			continue
		}
		_ = r.cache.SetJobStatus(ctx, job.ID, models.JobStatusTimeout, statusCacheTTL)
		r.forget(job.ID)
		slog.Warn("job timed out", "job_id", job.ID, "tenant_id", job.TenantID, "created_at", job.CreatedAt)
	}
}

// pollOverdue checks running jobs whose webhook should have arrived by now.
func (r *Reconciler) pollOverdue(ctx context.Context) {
	overdue, err := r.store.FindRunningOlderThan(ctx, r.gracePeriod)
	if err != nil {
		slog.Error("finding overdue running jobs", "error", err)
		return
	}

	now := r.now()
	for _, job := range overdue {
		if !r.due(job.ID, now) {
			continue
		}
		r.pollOne(ctx, job)
	}
}

func (r *Reconciler) pollOne(ctx context.Context, job *models.Job) {
	result, err := r.gateway.Poll(ctx, job)
	if err != nil {
		slog.Warn("polling job failed", "job_id", job.ID, "error", err)
		r.backoff(job.ID)
		return
	}

	switch {
	case result.Done():
		outcome, err := r.completer.ApplyResult(ctx, job, result.Raw)
		if err != nil {
			slog.Error("applying polled result", "job_id", job.ID, "error", err)
			r.backoff(job.ID)
			return
		}
		r.forget(job.ID)
		slog.Info("polled result applied", "job_id", job.ID, "outcome", outcome)

	case result.Failed():
		reason := result.ErrorMessage
		if reason == "" {
			reason = "external service reported failure"
		}
		if _, err := r.completer.ApplyFailure(ctx, job, reason); err != nil {
			slog.Error("applying polled failure", "job_id", job.ID, "error", err)
			r.backoff(job.ID)
			return
		}
		r.forget(job.ID)

	default:
		// Still in flight remotely; back off and try again, until the job
		// hits the ceiling and markTimedOut takes it.
		r.backoff(job.ID)
	}
}

// due reports whether the job's poll backoff has elapsed.
func (r *Reconciler) due(id uuid.UUID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.pollPlan[id]
	return !ok || !now.Before(state.nextAt)
}

func (r *Reconciler) backoff(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.pollPlan[id]
	delay := r.pollBackoff[min(state.attempts, len(r.pollBackoff)-1)]
	state.attempts++
	state.nextAt = r.now().Add(delay)
	r.pollPlan[id] = state
}

func (r *Reconciler) forget(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pollPlan, id)
}
