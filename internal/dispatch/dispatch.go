// Package dispatch applies a normalized analysis result to domain entities.
// This is the only place the orchestration layer writes domain data, and the
// same Apply is invoked from both the webhook and the polling path.
package dispatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/pkg/models"
)

// AppliedSummary describes what a dispatch wrote.
type AppliedSummary struct {
	TranscriptSaved bool `json:"transcript_saved"`
	AnalysisSaved   bool `json:"analysis_saved"`
	TasksCreated    int  `json:"tasks_created"`
}

// Dispatcher applies a canonical result to domain entities. Apply must be
// safe to invoke twice with the same result: the job layer already
// deduplicates via hash, but implementations upsert by natural identifiers
// as a second line of defense. Implementations never reinterpret fields the
// canonical result marks as authoritative.
type Dispatcher interface {
	Apply(ctx context.Context, tenantID uuid.UUID, jobType string, result *models.CanonicalResult) (*AppliedSummary, error)
}
