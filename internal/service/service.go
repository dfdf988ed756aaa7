package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"content-publisher/internal/models"
	"content-publisher/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Engine is the part of the publishing queue the control surface drives.
type Engine interface {
	Admit(ctx context.Context, job models.Job, dryRun bool) (models.Job, []models.ValidationResult, error)
	Cancel(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string) error
	Reschedule(ctx context.Context, jobID string, at time.Time) (models.Job, error)
}

// DeadLetters lists dead-lettered job ids, newest first.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Service is the job admission and control surface used by the HTTP API.
type Service struct {
	engine Engine
	store  store.JobStore
	dlq    DeadLetters
	log    logrus.FieldLogger
}

// New builds the service. dlq may be nil when no Redis is configured.
func New(engine Engine, st store.JobStore, dlq DeadLetters, log logrus.FieldLogger) *Service {
	return &Service{engine: engine, store: st, dlq: dlq, log: log}
}

type ScheduleRequest struct {
	BrandID     string         `json:"brand_id"`
	TenantID    string         `json:"tenant_id"`
	Platforms   []string       `json:"platforms"`
	Content     models.Content `json:"content"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
}

func (r ScheduleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BrandID, validation.Required),
		validation.Field(&r.Platforms, validation.Required, validation.Each(validation.Required)),
		validation.Field(&r.Content, validation.By(requireContent)),
	)
}

type PublishRequest struct {
	BrandID      string         `json:"brand_id"`
	TenantID     string         `json:"tenant_id"`
	Platforms    []string       `json:"platforms"`
	Content      models.Content `json:"content"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
	ValidateOnly bool           `json:"validate_only"`
}

func (r PublishRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BrandID, validation.Required),
		validation.Field(&r.Platforms, validation.Required, validation.Each(validation.Required)),
		validation.Field(&r.Content, validation.By(requireContent)),
	)
}

// PlatformError reports why one platform of a publish request produced no active job.
type PlatformError struct {
	Platform string `json:"platform"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

type PublishResponse struct {
	Jobs              []models.Job              `json:"jobs"`
	ValidationResults []models.ValidationResult `json:"validation_results"`
	Errors            []PlatformError           `json:"errors"`
}

type ListResult struct {
	Jobs  []models.Job `json:"jobs"`
	Total int          `json:"total"`
}

func requireContent(value interface{}) error {
	c, _ := value.(models.Content)
	if strings.TrimSpace(c.Text) == "" && len(c.Images) == 0 && len(c.Videos) == 0 {
		return errors.New("text or media is required")
	}
	return nil
}

func requestError(err error) error {
	return models.RequestError(err.Error())
}

// ScheduleContent admits one job targeting every platform in the request. When the content fails
// validation the job id is still returned with the *models.ValidationFailure, since the job is
// stored as failed.
func (s *Service) ScheduleContent(ctx context.Context, req ScheduleRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", requestError(err)
	}
	job, _, err := s.engine.Admit(ctx, models.Job{
		BrandID:     req.BrandID,
		TenantID:    req.TenantID,
		Platforms:   req.Platforms,
		Content:     req.Content,
		ScheduledAt: req.ScheduledAt,
	}, false)
	return job.ID, err
}

// Publish admits one job per platform so each platform succeeds or fails on its own. With
// ValidateOnly the content is checked and nothing is stored.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (PublishResponse, error) {
	if err := req.Validate(); err != nil {
		return PublishResponse{}, requestError(err)
	}
	resp := PublishResponse{Jobs: []models.Job{}, ValidationResults: []models.ValidationResult{}, Errors: []PlatformError{}}

	for _, platform := range req.Platforms {
		job, results, err := s.engine.Admit(ctx, models.Job{
			BrandID:     req.BrandID,
			TenantID:    req.TenantID,
			Platforms:   []string{platform},
			Content:     req.Content,
			ScheduledAt: req.ScheduledAt,
		}, req.ValidateOnly)
		resp.ValidationResults = append(resp.ValidationResults, results...)

		var (
			vf     *models.ValidationFailure
			cfgErr *models.ConfigurationError
		)
		log := s.log.WithFields(logrus.Fields{"brand_id": req.BrandID, "platform": platform})
		switch {
		case err == nil:
			if !req.ValidateOnly {
				resp.Jobs = append(resp.Jobs, job)
			}
		case errors.As(err, &vf):
			resp.Jobs = append(resp.Jobs, job)
			resp.Errors = append(resp.Errors, PlatformError{Platform: platform, Code: vf.ErrCode(), Message: vf.Error()})
			log.Debug("publish rejected by validation")
		case errors.As(err, &cfgErr):
			resp.Errors = append(resp.Errors, PlatformError{Platform: platform, Code: cfgErr.ErrCode(), Message: cfgErr.Error()})
			log.Warn("publish requested for unsupported platform")
		default:
			return resp, fmt.Errorf("publish to %s: %w", platform, err)
		}
	}
	return resp, nil
}

// GetJob returns the job if it belongs to brandID. Jobs of other brands look missing.
func (s *Service) GetJob(ctx context.Context, jobID, brandID string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if brandID != "" && job.BrandID != brandID {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, brandID string, f models.JobFilter) (ListResult, error) {
	err := validation.Errors{
		"brand_id": validation.Validate(brandID, validation.Required),
		"limit":    validation.Validate(f.Limit, validation.Min(0), validation.Max(maxPageSize)),
		"offset":   validation.Validate(f.Offset, validation.Min(0)),
		"status": validation.Validate(string(f.Status), validation.In(
			string(models.StatusScheduled), string(models.StatusPending), string(models.StatusProcessing),
			string(models.StatusPublished), string(models.StatusFailed), string(models.StatusCancelled),
		)),
	}.Filter()
	if err != nil {
		return ListResult{}, requestError(err)
	}
	if f.Limit == 0 {
		f.Limit = defaultPageSize
	}
	jobs, total, err := s.store.ListJobs(ctx, brandID, f)
	if err != nil {
		return ListResult{}, err
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return ListResult{Jobs: jobs, Total: total}, nil
}

func (s *Service) RetryJob(ctx context.Context, jobID string) error {
	return s.engine.Retry(ctx, jobID)
}

func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	return s.engine.Cancel(ctx, jobID)
}

// UpdateScheduledTime moves a scheduled or pending job of brandID to at.
func (s *Service) UpdateScheduledTime(ctx context.Context, jobID, brandID string, at time.Time) (models.Job, error) {
	if at.IsZero() {
		return models.Job{}, models.RequestError("scheduled_at is required")
	}
	if _, err := s.GetJob(ctx, jobID, brandID); err != nil {
		return models.Job{}, err
	}
	return s.engine.Reschedule(ctx, jobID, at)
}

// DeadLetterIDs returns up to n dead-lettered job ids, newest first.
func (s *Service) DeadLetterIDs(ctx context.Context, n int64) ([]string, error) {
	if s.dlq == nil {
		return []string{}, nil
	}
	if n <= 0 {
		n = 50
	}
	return s.dlq.DLQPeek(ctx, n)
}
