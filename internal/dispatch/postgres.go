package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ottocrm/otto/pkg/models"
)

// PostgresDispatcher writes transcripts, analyses, and follow-up tasks with
// upserts keyed by natural identifiers, so a duplicate apply is a no-op
// overwrite with identical data.
type PostgresDispatcher struct {
	pool *pgxpool.Pool
}

func NewPostgresDispatcher(pool *pgxpool.Pool) *PostgresDispatcher {
	return &PostgresDispatcher{pool: pool}
}

func (d *PostgresDispatcher) Apply(ctx context.Context, tenantID uuid.UUID, jobType string, result *models.CanonicalResult) (*AppliedSummary, error) {
	summary := &AppliedSummary{}

	switch jobType {
	case models.JobTypeTranscription, models.JobTypeSegmentation:
		if err := d.upsertTranscript(ctx, tenantID, result); err != nil {
			return nil, err
		}
		summary.TranscriptSaved = true

	case models.JobTypeFullCallAnalysis:
		if result.Transcript != "" {
			if err := d.upsertTranscript(ctx, tenantID, result); err != nil {
				return nil, err
			}
			summary.TranscriptSaved = true
		}
		if err := d.upsertAnalysis(ctx, tenantID, result); err != nil {
			return nil, err
		}
		summary.AnalysisSaved = true

		created, err := d.insertTasks(ctx, tenantID, result)
		if err != nil {
			return nil, err
		}
		summary.TasksCreated = created

	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}

	return summary, nil
}

func (d *PostgresDispatcher) upsertTranscript(ctx context.Context, tenantID uuid.UUID, r *models.CanonicalResult) error {
	segments, err := json.Marshal(r.Segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}

	_, err = d.pool.Exec(ctx,
		`INSERT INTO call_transcripts (tenant_id, external_job_id, transcript, language, duration_secs, segments, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (tenant_id, external_job_id) DO UPDATE SET
		   transcript = EXCLUDED.transcript,
		   language = EXCLUDED.language,
		   duration_secs = EXCLUDED.duration_secs,
		   segments = EXCLUDED.segments,
		   updated_at = NOW()`,
		tenantID, r.ExternalJobID, r.Transcript, r.Language, r.DurationSecs, segments)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

func (d *PostgresDispatcher) upsertAnalysis(ctx context.Context, tenantID uuid.UUID, r *models.CanonicalResult) error {
	objections, err := json.Marshal(r.Objections)
	if err != nil {
		return fmt.Errorf("marshal objections: %w", err)
	}

	_, err = d.pool.Exec(ctx,
		`INSERT INTO call_analyses (tenant_id, external_job_id, summary, sentiment, confidence, objections, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (tenant_id, external_job_id) DO UPDATE SET
		   summary = EXCLUDED.summary,
		   sentiment = EXCLUDED.sentiment,
		   confidence = EXCLUDED.confidence,
		   objections = EXCLUDED.objections,
		   updated_at = NOW()`,
		tenantID, r.ExternalJobID, r.Summary, r.Sentiment, r.Confidence, objections)
	if err != nil {
		return fmt.Errorf("upsert analysis: %w", err)
	}
	return nil
}

func (d *PostgresDispatcher) insertTasks(ctx context.Context, tenantID uuid.UUID, r *models.CanonicalResult) (int, error) {
	created := 0
	for _, action := range r.PendingActions {
		tag, err := d.pool.Exec(ctx,
			`INSERT INTO pending_tasks (tenant_id, external_job_id, dedup_key, description, priority, due_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NOW())
			 ON CONFLICT (tenant_id, external_job_id, dedup_key) DO NOTHING`,
			tenantID, r.ExternalJobID, taskDedupKey(action), action.Description, action.Priority, action.DueAt)
		if err != nil {
			return created, fmt.Errorf("insert task: %w", err)
		}
		if tag.RowsAffected() > 0 {
			created++
		}
	}
	return created, nil
}

// taskDedupKey identifies a task by its content, so re-applying the same
// result never duplicates tasks.
func taskDedupKey(a models.PendingAction) string {
	due := ""
	if a.DueAt != nil {
		due = a.DueAt.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(a.Description + "|" + a.Priority + "|" + due))
	return hex.EncodeToString(sum[:])
}

var _ Dispatcher = (*PostgresDispatcher)(nil)
