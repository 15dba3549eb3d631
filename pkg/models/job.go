// Package models contains shared data models used across the Otto codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusTimeout   = "timeout"
)

const (
	JobTypeTranscription    = "transcription"
	JobTypeFullCallAnalysis = "full_call_analysis"
	JobTypeSegmentation     = "meeting_segmentation"
)

// ValidJobTypes is the closed set of work the external service accepts.
var ValidJobTypes = map[string]bool{
	JobTypeTranscription:    true,
	JobTypeFullCallAnalysis: true,
	JobTypeSegmentation:     true,
}

// Job tracks one unit of async work submitted to the external analysis
// service. Jobs are never deleted; terminal rows stay as an audit trail.
//
// InputPayload is an immutable snapshot of what was sent. ProcessedOutputHash
// is set at most once, by whichever delivery path (webhook or poll) wins the
// terminal transition; a later delivery carrying the same hash is a no-op.
type Job struct {
	ID                  uuid.UUID       `db:"id"                    json:"id"`
	TenantID            uuid.UUID       `db:"tenant_id"             json:"tenant_id"`
	JobType             string          `db:"job_type"              json:"job_type"`
	ExternalJobID       *string         `db:"external_job_id"       json:"external_job_id,omitempty"`
	Status              string          `db:"status"                json:"status"`
	InputPayload        json.RawMessage `db:"input_payload"         json:"input_payload"`
	OutputPayload       json.RawMessage `db:"output_payload"        json:"output_payload,omitempty"`
	ProcessedOutputHash *string         `db:"processed_output_hash" json:"processed_output_hash,omitempty"`
	RetryCount          int             `db:"retry_count"           json:"retry_count"`
	NextRetryAt         *time.Time      `db:"next_retry_at"         json:"next_retry_at,omitempty"`
	LastError           *string         `db:"last_error"            json:"last_error,omitempty"`
	CreatedAt           time.Time       `db:"created_at"            json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"            json:"updated_at"`
}

// Terminal reports whether the job can no longer change state
// (other than an explicit operator resubmit).
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimeout:
		return true
	}
	return false
}
