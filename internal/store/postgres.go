package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ottocrm/otto/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, tenant_id, job_type, external_job_id, status, input_payload, output_payload,
	 processed_output_hash, retry_count, next_retry_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.JobType, &j.ExternalJobID, &j.Status,
		&j.InputPayload, &j.OutputPayload, &j.ProcessedOutputHash,
		&j.RetryCount, &j.NextRetryAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, job_type, status, input_payload, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.TenantID, job.JobType, job.Status, job.InputPayload,
		job.RetryCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobByExternalID resolves an inbound notification to a job. The lookup is
// tenant-scoped and fails closed: an unknown external id is ErrNotFound,
// never a guess.
func (s *PostgresStore) GetJobByExternalID(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 AND external_job_id = $2`,
		tenantID, externalJobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by external id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.JobType != "" {
		conditions = append(conditions, fmt.Sprintf("job_type = $%d", argIdx))
		args = append(args, filter.JobType)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// FindRunningOlderThan returns running jobs whose last update is older than
// age, across all tenants. This feeds the polling reconciler: the webhook
// should have arrived by now.
func (s *PostgresStore) FindRunningOlderThan(ctx context.Context, age time.Duration) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND updated_at < NOW() - $2::interval
		 ORDER BY updated_at ASC`,
		models.JobStatusRunning, age)
	if err != nil {
		return nil, fmt.Errorf("find running older than: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// FindDueForRetry returns pending jobs whose scheduled retry time has passed.
func (s *PostgresStore) FindDueForRetry(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		 ORDER BY next_retry_at ASC`,
		models.JobStatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("find due for retry: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// FindPastCeiling returns non-terminal jobs created more than ceiling ago.
// These are abandoned and marked timeout regardless of retry state.
func (s *PostgresStore) FindPastCeiling(ctx context.Context, ceiling time.Duration) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ($1, $2) AND created_at < NOW() - $3::interval
		 ORDER BY created_at ASC`,
		models.JobStatusPending, models.JobStatusRunning, ceiling)
	if err != nil {
		return nil, fmt.Errorf("find past ceiling: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TransitionJob performs a single atomic compare-and-set on the job's status.
// The WHERE clause carries the expected current status, so a webhook and a
// concurrent poll racing on the same job cannot both win: the loser's update
// matches zero rows and gets ErrStaleTransition.
func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, fromStatus, toStatus string, opts ...JobUpdateOption) error {
	params := ResolveJobUpdate(opts...)

	query := `UPDATE jobs SET status = $3, updated_at = NOW()`
	args := []any{id, fromStatus, toStatus}
	argIdx := 4

	if params.ExternalJobID != nil {
		query += fmt.Sprintf(", external_job_id = $%d", argIdx)
		args = append(args, *params.ExternalJobID)
		argIdx++
	}
	if params.OutputHash != nil {
		// The hash column is guarded twice: by the status CAS and by the
		// COALESCE, so an already-set hash is never overwritten.
		query += fmt.Sprintf(", processed_output_hash = COALESCE(processed_output_hash, $%d), output_payload = $%d", argIdx, argIdx+1)
		args = append(args, *params.OutputHash, params.OutputPayload)
		argIdx += 2
	}
	if params.LastError != nil {
		query += fmt.Sprintf(", last_error = $%d", argIdx)
		args = append(args, *params.LastError)
		argIdx++
	}
	if params.RetryCount != nil {
		query += fmt.Sprintf(", retry_count = $%d, next_retry_at = $%d", argIdx, argIdx+1)
		args = append(args, *params.RetryCount, *params.NextRetryAt)
		argIdx += 2
	}
	if params.ClearRetry {
		query += ", next_retry_at = NULL"
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing job from a lost race.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check job exists: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
