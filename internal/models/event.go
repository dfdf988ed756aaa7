package models

import "time"

// Event names emitted on job status transitions.
const (
	EventJobCreated        = "job.created"
	EventJobApproved       = "job.approved"
	EventJobDeferred       = "job.deferred"
	EventJobPublishing     = "job.publishing"
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
	EventJobRetryScheduled = "job.retry_scheduled"
	EventJobDeadLettered   = "job.dead_lettered"
	EventJobCancelled      = "job.cancelled"
)

// Event is a status transition notification.
type Event struct {
	Name       string         `json:"name"`
	JobID      string         `json:"job_id"`
	BrandID    string         `json:"brand_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Status     Status         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
