package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-publisher/internal/models"
)

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, brand_id, tenant_id, platforms, content, status, scheduled_at, published_at, next_retry_at,
	retry_count, max_retries, last_error, last_error_details, validation_results, posts, created_at, updated_at`

// CreateJob inserts a new job row.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	enc, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, job.ID, job.BrandID, job.TenantID, job.Platforms, enc.content, string(job.Status), job.ScheduledAt,
		job.PublishedAt, job.NextRetryAt, job.RetryCount, job.MaxRetries, job.LastError, enc.errorDetails,
		enc.validation, enc.posts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

// ListJobs returns a page of a brand's jobs, newest first, and the unpaged total.
func (s *Postgres) ListJobs(ctx context.Context, brandID string, f models.JobFilter) ([]models.Job, int, error) {
	where := []string{"brand_id = $1"}
	args := []any{brandID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Platform != "" {
		args = append(args, f.Platform)
		where = append(where, fmt.Sprintf("$%d = ANY(platforms)", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListByStatus returns up to limit jobs in the given status, oldest first. limit <= 0 means no limit.
func (s *Postgres) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	return collectJobs(rows)
}

// UpdateJob writes the mutable fields of job if its stored status is one of expected.
// It returns ErrStatusConflict when the row moved on in the meantime.
func (s *Postgres) UpdateJob(ctx context.Context, job models.Job, expected ...models.Status) error {
	enc, err := encodeJob(job)
	if err != nil {
		return err
	}
	statuses := make([]string, len(expected))
	for i, st := range expected {
		statuses[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, scheduled_at = $3, published_at = $4, next_retry_at = $5, retry_count = $6,
		    last_error = $7, last_error_details = $8, validation_results = $9, posts = $10, updated_at = $11
		WHERE id = $1 AND (cardinality($12::text[]) = 0 OR status = ANY($12::text[]))
	`, job.ID, string(job.Status), job.ScheduledAt, job.PublishedAt, job.NextRetryAt, job.RetryCount,
		job.LastError, enc.errorDetails, enc.validation, enc.posts, job.UpdatedAt, statuses)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, job.ID); err != nil {
		return err
	}
	return fmt.Errorf("update job %s: %w", job.ID, models.ErrStatusConflict)
}

// AppendAttempt adds a dispatch attempt row.
func (s *Postgres) AppendAttempt(ctx context.Context, a models.DispatchAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_attempts (job_id, platform, attempt, success, platform_post_id, platform_url, error, error_code, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.JobID, a.Platform, a.Attempt, a.Success, emptyToNil(a.PlatformPostID), emptyToNil(a.PlatformURL),
		emptyToNil(a.Error), emptyToNil(a.ErrorCode), a.Recorded)
	if err != nil {
		return fmt.Errorf("insert dispatch attempt: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type encodedJob struct {
	content      []byte
	errorDetails []byte
	validation   []byte
	posts        []byte
}

func encodeJob(job models.Job) (encodedJob, error) {
	var enc encodedJob
	var err error
	if enc.content, err = json.Marshal(job.Content); err != nil {
		return enc, fmt.Errorf("marshal content: %w", err)
	}
	if job.LastErrorDetails != nil {
		if enc.errorDetails, err = json.Marshal(job.LastErrorDetails); err != nil {
			return enc, fmt.Errorf("marshal error details: %w", err)
		}
	}
	if enc.validation, err = json.Marshal(job.ValidationResults); err != nil {
		return enc, fmt.Errorf("marshal validation results: %w", err)
	}
	if enc.posts, err = json.Marshal(job.Posts); err != nil {
		return enc, fmt.Errorf("marshal posts: %w", err)
	}
	return enc, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var content, details, validation, posts []byte
	var scheduled, published, nextRetry pgtype.Timestamptz
	var lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.BrandID, &job.TenantID, &job.Platforms, &content, &status, &scheduled,
		&published, &nextRetry, &job.RetryCount, &job.MaxRetries, &lastErr, &details, &validation, &posts,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Status = models.Status(status)
	job.ScheduledAt = timePtr(scheduled)
	job.PublishedAt = timePtr(published)
	job.NextRetryAt = timePtr(nextRetry)
	job.LastError = textPtr(lastErr)
	if err := json.Unmarshal(content, &job.Content); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := unmarshalOptional(details, &job.LastErrorDetails); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal error details: %w", err)
	}
	if err := unmarshalOptional(validation, &job.ValidationResults); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal validation results: %w", err)
	}
	if err := unmarshalOptional(posts, &job.Posts); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal posts: %w", err)
	}
	return job, nil
}

func unmarshalOptional(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
