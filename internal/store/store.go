package store

import (
	"context"

	"content-publisher/internal/models"
)

// JobStore is the durable source of truth for jobs. Every write is keyed by job id.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, brandID string, f models.JobFilter) ([]models.Job, int, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error)
	// UpdateJob is a compare-and-set on status: it only applies when the stored status is in expected
	// (any status when expected is empty).
	UpdateJob(ctx context.Context, job models.Job, expected ...models.Status) error
	AppendAttempt(ctx context.Context, a models.DispatchAttempt) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

var (
	_ JobStore = (*Postgres)(nil)
	_ JobStore = (*Memory)(nil)
)
