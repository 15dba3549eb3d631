package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/api/response"
	mw "github.com/ottocrm/otto/internal/api/middleware"
	"github.com/ottocrm/otto/internal/jobs"
	"github.com/ottocrm/otto/internal/store"
	"github.com/ottocrm/otto/pkg/models"
)

// jobView is the consumer-facing shape of a job. DisplayStatus is what end
// users see: anything non-terminal is "processing", and a failed or
// timed-out job surfaces as analysis unavailable with no partial data.
type jobView struct {
	ID            uuid.UUID       `json:"id"`
	JobType       string          `json:"job_type"`
	Status        string          `json:"status"`
	DisplayStatus string          `json:"display_status"`
	ExternalJobID *string         `json:"external_job_id,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func viewOf(job *models.Job) jobView {
	v := jobView{
		ID:            job.ID,
		JobType:       job.JobType,
		Status:        job.Status,
		ExternalJobID: job.ExternalJobID,
		LastError:     job.LastError,
		RetryCount:    job.RetryCount,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	switch job.Status {
	case models.JobStatusSucceeded:
		v.DisplayStatus = "completed"
		v.Result = job.OutputPayload
	case models.JobStatusFailed, models.JobStatusTimeout:
		v.DisplayStatus = "analysis_unavailable"
	default:
		v.DisplayStatus = "processing"
	}
	return v
}

// NewCreateJobHandler returns the handler for POST /api/v1/jobs: the trigger
// entry point (call completed / audio uploaded).
func NewCreateJobHandler(orch *jobs.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			JobType  string         `json:"job_type"`
			AudioURL string         `json:"audio_url"`
			CallID   string         `json:"call_id"`
			Metadata map[string]any `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if !models.ValidJobTypes[req.JobType] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"job_type must be one of transcription, full_call_analysis, meeting_segmentation", nil)
			return
		}
		if req.AudioURL == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "audio_url is required", nil)
			return
		}
		if !strings.HasPrefix(req.AudioURL, "http://") && !strings.HasPrefix(req.AudioURL, "https://") {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "audio_url must be an HTTP(S) URL", nil)
			return
		}

		job, err := orch.Submit(r.Context(), jobs.Trigger{
			TenantID: tenantID,
			JobType:  req.JobType,
			AudioURL: req.AudioURL,
			CallID:   req.CallID,
			Metadata: req.Metadata,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}

		response.Accepted(w, viewOf(job))
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		job, err := s.GetJob(r.Context(), jobID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		response.JSON(w, viewOf(job))
	}
}

// NewListJobsHandler returns the handler for GET /api/v1/jobs.
func NewListJobsHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))

		status := q.Get("status")
		if status != "" {
			switch status {
			case models.JobStatusPending, models.JobStatusRunning, models.JobStatusSucceeded,
				models.JobStatusFailed, models.JobStatusTimeout:
			default:
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid status filter", nil)
				return
			}
		}

		jobList, total, err := s.ListJobs(r.Context(), store.JobFilter{
			TenantID: tenantID,
			Status:   status,
			JobType:  q.Get("job_type"),
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}

		views := make([]jobView, 0, len(jobList))
		for _, job := range jobList {
			views = append(views, viewOf(job))
		}

		if page <= 0 {
			page = 1
		}
		if limit <= 0 {
			limit = 20
		}
		response.Collection(w, views, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewResubmitJobHandler returns the handler for POST /api/v1/jobs/{jobID}/resubmit.
// Operator path: moves a failed or timed-out job back to pending.
func NewResubmitJobHandler(orch *jobs.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		job, err := orch.Resubmit(r.Context(), jobID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
			return
		}

		response.Accepted(w, viewOf(job))
	}
}
