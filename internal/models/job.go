package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in the job store.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Content is the platform-agnostic payload of a job. It is never mutated after admission.
type Content struct {
	Text     string   `json:"text"`
	Images   []string `json:"images,omitempty"`
	Videos   []string `json:"videos,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
	Link     string   `json:"link,omitempty"`
}

// Clone returns a copy that shares no slices with c.
func (c Content) Clone() Content {
	out := c
	out.Images = append([]string(nil), c.Images...)
	out.Videos = append([]string(nil), c.Videos...)
	out.Hashtags = append([]string(nil), c.Hashtags...)
	return out
}

// PlatformPost records a successful publish on one platform.
type PlatformPost struct {
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	PlatformURL    string    `json:"platform_url,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

// Job represents one publishing request persisted in the job store.
type Job struct {
	ID                string                  `json:"id"`
	BrandID           string                  `json:"brand_id"`
	TenantID          string                  `json:"tenant_id"`
	Platforms         []string                `json:"platforms"`
	Content           Content                 `json:"content"`
	Status            Status                  `json:"status"`
	ScheduledAt       *time.Time              `json:"scheduled_at,omitempty"`
	PublishedAt       *time.Time              `json:"published_at,omitempty"`
	NextRetryAt       *time.Time              `json:"next_retry_at,omitempty"`
	RetryCount        int                     `json:"retry_count"`
	MaxRetries        int                     `json:"max_retries"`
	LastError         *string                 `json:"last_error,omitempty"`
	LastErrorDetails  map[string]any          `json:"last_error_details,omitempty"`
	ValidationResults []ValidationResult      `json:"validation_results,omitempty"`
	Posts             map[string]PlatformPost `json:"posts,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// Terminal reports whether the job left the pipeline for good. A failed job that still
// waits for a backoff timer is not terminal.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusPublished, StatusCancelled:
		return true
	case StatusFailed:
		return j.NextRetryAt == nil
	}
	return false
}

// DeadLettered reports whether the job is a terminal failure.
func (j Job) DeadLettered() bool {
	return j.Status == StatusFailed && j.NextRetryAt == nil
}

// Due reports whether the job may be dispatched at now.
func (j Job) Due(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// Unpublished returns the platforms that have no recorded post yet, in job order.
func (j Job) Unpublished() []string {
	out := make([]string, 0, len(j.Platforms))
	for _, p := range j.Platforms {
		if _, ok := j.Posts[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate bookkeeping fields safely.
func (j Job) Clone() Job {
	c := j
	c.Platforms = append([]string(nil), j.Platforms...)
	c.Content = j.Content.Clone()
	c.ValidationResults = append([]ValidationResult(nil), j.ValidationResults...)
	if j.Posts != nil {
		c.Posts = make(map[string]PlatformPost, len(j.Posts))
		for k, v := range j.Posts {
			c.Posts[k] = v
		}
	}
	if j.LastErrorDetails != nil {
		c.LastErrorDetails = make(map[string]any, len(j.LastErrorDetails))
		for k, v := range j.LastErrorDetails {
			c.LastErrorDetails[k] = v
		}
	}
	c.ScheduledAt = copyTime(j.ScheduledAt)
	c.PublishedAt = copyTime(j.PublishedAt)
	c.NextRetryAt = copyTime(j.NextRetryAt)
	if j.LastError != nil {
		v := *j.LastError
		c.LastError = &v
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status   Status
	Platform string
	Limit    int
	Offset   int
}

// DispatchAttempt is one append-only row per platform call.
type DispatchAttempt struct {
	JobID          string    `json:"job_id"`
	Platform       string    `json:"platform"`
	Attempt        int       `json:"attempt"`
	Success        bool      `json:"success"`
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	PlatformURL    string    `json:"platform_url,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	Recorded       time.Time `json:"recorded_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
