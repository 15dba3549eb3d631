package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/api/response"
	"github.com/ottocrm/otto/internal/jobs"
	"github.com/ottocrm/otto/internal/shunya"
	"github.com/ottocrm/otto/internal/store"
)

const (
	headerSignature = "X-Shunya-Signature"
	headerTimestamp = "X-Shunya-Timestamp"
	headerTaskID    = "X-Shunya-Task-Id"
)

// webhookPayload is the push notification the external service sends when a
// job finishes.
type webhookPayload struct {
	ExternalJobID string          `json:"external_job_id"`
	Status        string          `json:"status"` // "completed" or "failed"
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	CompanyID string `json:"company_id"`
}

// WebhookDeps holds the webhook handler's collaborators.
type WebhookDeps struct {
	Store     store.Store
	Completer *jobs.Completer
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// NewShunyaWebhookHandler returns the handler for inbound result
// notifications. Every validation step fails closed; replay and signature
// failures are logged as potential attacks and rejected with 401.
func NewShunyaWebhookHandler(deps WebhookDeps) http.HandlerFunc {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Failed to read request body", nil)
			return
		}

		// 1. Required headers.
		signature := r.Header.Get(headerSignature)
		timestamp := r.Header.Get(headerTimestamp)
		if signature == "" || timestamp == "" {
			response.Error(w, http.StatusUnauthorized, "MISSING_SIGNATURE",
				"Required signature headers missing", nil)
			return
		}

		// 2. Replay protection: the timestamp must be within tolerance of
		// receipt, signature or no signature.
		tsMillis, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			response.Error(w, http.StatusUnauthorized, "INVALID_TIMESTAMP",
				"Timestamp is not epoch milliseconds", nil)
			return
		}
		sentAt := time.UnixMilli(tsMillis)
		age := now().Sub(sentAt)
		if age > deps.Tolerance || age < -deps.Tolerance {
			slog.Warn("webhook rejected: stale timestamp",
				"age", age, "task_id", r.Header.Get(headerTaskID), "remote_addr", r.RemoteAddr)
			response.Error(w, http.StatusUnauthorized, "STALE_TIMESTAMP",
				"Timestamp outside the accepted window", nil)
			return
		}

		// 3. Signature over "{timestamp}.{raw_body}", constant-time compare.
		if !shunya.VerifyWebhookSignature(deps.Secret, timestamp, body, signature) {
			slog.Warn("webhook rejected: bad signature",
				"task_id", r.Header.Get(headerTaskID), "remote_addr", r.RemoteAddr)
			response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE",
				"Signature verification failed", nil)
			return
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON payload", nil)
			return
		}
		if payload.ExternalJobID == "" || payload.CompanyID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_BODY",
				"external_job_id and company_id are required", nil)
			return
		}
		claimedTenant, err := uuid.Parse(payload.CompanyID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_BODY", "company_id is not a UUID", nil)
			return
		}

		// 4. Resolve the job, scoped by the claimed tenant. Unknown means
		// reject, never guess.
		job, err := deps.Store.GetJobByExternalID(r.Context(), claimedTenant, payload.ExternalJobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "UNKNOWN_JOB", "No job matches this notification", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to resolve job", nil)
			return
		}

		// 5. Second tenant guard, independent of the scoped lookup above.
		if job.TenantID != claimedTenant {
			slog.Warn("webhook rejected: tenant mismatch",
				"job_id", job.ID, "claimed_tenant", claimedTenant, "remote_addr", r.RemoteAddr)
			response.Error(w, http.StatusForbidden, "TENANT_MISMATCH",
				"Payload tenant does not match job tenant", nil)
			return
		}

		// 6-7. Idempotency check and apply run inside the shared completion
		// path; a duplicate delivery comes back as a clean no-op.
		switch payload.Status {
		case "completed":
			outcome, err := deps.Completer.ApplyResult(r.Context(), job, payload.Result)
			if err != nil {
				// Transient internal failure; the sender retries with its
				// own backoff.
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to apply result", nil)
				return
			}
			response.JSON(w, map[string]any{"job_id": job.ID, "outcome": outcome})

		case "failed":
			reason := "external service reported failure"
			if payload.Error != nil && payload.Error.Message != "" {
				reason = payload.Error.Message
			}
			outcome, err := deps.Completer.ApplyFailure(r.Context(), job, reason)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to record failure", nil)
				return
			}
			response.JSON(w, map[string]any{"job_id": job.ID, "outcome": outcome})

		default:
			response.Error(w, http.StatusBadRequest, "INVALID_BODY",
				"status must be completed or failed", nil)
		}
	}
}
