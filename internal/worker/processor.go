package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"content-publisher/internal/config"
	"content-publisher/internal/logging"
	"content-publisher/internal/models"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
)

// Dispatcher routes a publish request to the platform adapter.
type Dispatcher interface {
	Publish(ctx context.Context, req models.PublishRequest) models.PublishResult
	Check(platforms []string) error
}

// Validator checks content against platform limits.
type Validator interface {
	ValidateAll(platforms []string, content models.Content, scheduledAt *time.Time, now time.Time) []models.ValidationResult
}

// DueIndex mirrors armed timers outside the process so any instance can pick up due work.
type DueIndex interface {
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	Unschedule(ctx context.Context, jobID string) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	Depth(ctx context.Context) (int64, error)
	DeadLetter(ctx context.Context, jobID string) error
	Revive(ctx context.Context, jobID string) error
}

// Emitter receives status events. Emit must not block.
type Emitter interface {
	Emit(ev models.Event)
}

// Processor is the publishing queue engine. The job store owns canonical status; the processor
// owns transient state: armed timers, the ready list and the set of jobs being dispatched.
type Processor struct {
	cfg       config.Config
	store     store.JobStore
	registry  Dispatcher
	validator Validator
	due       DueIndex
	events    Emitter
	clock     clock.Clock
	log       logrus.FieldLogger

	mu         sync.Mutex
	ready      []string
	queued     map[string]struct{}
	processing map[string]struct{}
	timers     map[string]*clock.Timer
	wake       chan struct{}
}

// Option customizes a Processor.
type Option func(*Processor)

func WithClock(c clock.Clock) Option { return func(p *Processor) { p.clock = c } }

func WithDueIndex(d DueIndex) Option { return func(p *Processor) { p.due = d } }

func WithEmitter(e Emitter) Option { return func(p *Processor) { p.events = e } }

func WithLogger(l logrus.FieldLogger) Option { return func(p *Processor) { p.log = l } }

func NewProcessor(cfg config.Config, st store.JobStore, reg Dispatcher, v Validator, opts ...Option) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = cfg.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	p := &Processor{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		validator:  v,
		clock:      clock.New(),
		log:        logging.Discard(),
		queued:     make(map[string]struct{}),
		processing: make(map[string]struct{}),
		timers:     make(map[string]*clock.Timer),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admit validates and persists a new job. Unsupported platforms are rejected before anything is
// stored. Content with error-level findings is stored as failed and never enters the queue; the
// returned error is then a *models.ValidationFailure alongside the stored job. A dry run only
// validates.
func (p *Processor) Admit(ctx context.Context, job models.Job, dryRun bool) (models.Job, []models.ValidationResult, error) {
	if err := p.registry.Check(job.Platforms); err != nil {
		return models.Job{}, nil, err
	}

	now := p.clock.Now().UTC()
	results := p.validator.ValidateAll(job.Platforms, job.Content, job.ScheduledAt, now)
	if dryRun {
		return job, results, nil
	}

	job = job.Clone()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = p.cfg.MaxRetries
	}
	job.RetryCount = 0
	job.Posts = nil
	job.NextRetryAt = nil
	job.PublishedAt = nil
	job.LastError = nil
	job.LastErrorDetails = nil
	job.ValidationResults = results
	job.CreatedAt, job.UpdatedAt = now, now

	switch {
	case models.HasErrors(results):
		msg := "validation failed"
		job.Status = models.StatusFailed
		job.LastError = &msg
	case job.Due(now):
		job.Status = models.StatusPending
	default:
		job.Status = models.StatusScheduled
	}

	if err := p.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, results, fmt.Errorf("admit job: %w", err)
	}
	p.emit(job, models.EventJobCreated, map[string]any{"platforms": job.Platforms})
	log := p.jobLog(job)

	switch job.Status {
	case models.StatusFailed:
		telemetry.ValidationRejects.Inc()
		if p.due != nil {
			if err := p.due.DeadLetter(ctx, job.ID); err != nil {
				log.WithError(err).Warn("push to dead-letter list failed")
			}
		}
		p.emit(job, models.EventJobFailed, map[string]any{"error": *job.LastError})
		p.emit(job, models.EventJobDeadLettered, map[string]any{"reason": "validation failed"})
		log.Info("job rejected by validation")
		return job, results, &models.ValidationFailure{Results: results}
	case models.StatusPending:
		p.emit(job, models.EventJobApproved, nil)
		p.enqueue(job.ID)
	case models.StatusScheduled:
		p.arm(ctx, job.ID, *job.ScheduledAt)
	}
	telemetry.JobsAdmitted.Inc()
	log.WithField("status", job.Status).Info("job admitted")
	return job, results, nil
}

// Cancel moves a scheduled or pending job to cancelled. Jobs that are dispatching, waiting
// for a retry or terminal are rejected with ErrNotCancellable and left unchanged.
func (p *Processor) Cancel(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusScheduled && job.Status != models.StatusPending {
		return fmt.Errorf("cancel %s in status %s: %w", jobID, job.Status, models.ErrNotCancellable)
	}

	job.Status = models.StatusCancelled
	job.UpdatedAt = p.clock.Now().UTC()
	if err := p.store.UpdateJob(ctx, job, models.StatusScheduled, models.StatusPending); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			return fmt.Errorf("cancel %s: %w", jobID, models.ErrNotCancellable)
		}
		return err
	}
	p.disarm(ctx, jobID)
	p.dequeue(jobID)
	p.emit(job, models.EventJobCancelled, nil)
	p.jobLog(job).Info("job cancelled")
	return nil
}

// Retry re-admits a dead-lettered job with a fresh retry budget. Validation runs again first; the
// schedule window is not rechecked since the job dispatches now.
func (p *Processor) Retry(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.DeadLettered() {
		return fmt.Errorf("retry %s in status %s: %w", jobID, job.Status, models.ErrNotRetryable)
	}

	now := p.clock.Now().UTC()
	results := p.validator.ValidateAll(job.Platforms, job.Content, nil, now)
	job.ValidationResults = results
	job.UpdatedAt = now
	if models.HasErrors(results) {
		if err := p.store.UpdateJob(ctx, job, models.StatusFailed); err != nil {
			return err
		}
		return &models.ValidationFailure{Results: results}
	}

	job.RetryCount = 0
	job.NextRetryAt = nil
	if job.Due(now) {
		job.Status = models.StatusPending
	} else {
		job.Status = models.StatusScheduled
	}
	if err := p.store.UpdateJob(ctx, job, models.StatusFailed); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			return fmt.Errorf("retry %s: %w", jobID, models.ErrNotRetryable)
		}
		return err
	}
	if p.due != nil {
		if err := p.due.Revive(ctx, jobID); err != nil {
			p.jobLog(job).WithError(err).Warn("remove from dead-letter list failed")
		}
	}

	p.emit(job, models.EventJobApproved, map[string]any{"manual_retry": true})
	if job.Status == models.StatusPending {
		p.enqueue(jobID)
	} else {
		p.arm(ctx, jobID, *job.ScheduledAt)
	}
	p.jobLog(job).Info("job re-admitted by manual retry")
	return nil
}

// Reschedule moves a scheduled or pending job to a new time. A time that is already due makes the
// job pending immediately.
func (p *Processor) Reschedule(ctx context.Context, jobID string, at time.Time) (models.Job, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusScheduled && job.Status != models.StatusPending {
		return models.Job{}, fmt.Errorf("reschedule %s in status %s: %w", jobID, job.Status, models.ErrNotReschedulable)
	}

	now := p.clock.Now().UTC()
	at = at.UTC()
	results := p.validator.ValidateAll(job.Platforms, job.Content, &at, now)
	if models.HasErrors(results) {
		return models.Job{}, &models.ValidationFailure{Results: results}
	}

	prev := job.Status
	job.ScheduledAt = &at
	job.ValidationResults = results
	job.UpdatedAt = now
	if job.Due(now) {
		job.Status = models.StatusPending
	} else {
		job.Status = models.StatusScheduled
	}
	if err := p.store.UpdateJob(ctx, job, models.StatusScheduled, models.StatusPending); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			return models.Job{}, fmt.Errorf("reschedule %s: %w", jobID, models.ErrNotReschedulable)
		}
		return models.Job{}, err
	}

	if job.Status == models.StatusPending {
		p.disarm(ctx, jobID)
		if prev == models.StatusScheduled {
			p.emit(job, models.EventJobApproved, map[string]any{"scheduled_at": at})
		}
		p.enqueue(jobID)
	} else {
		p.dequeue(jobID)
		p.arm(ctx, jobID, at)
	}
	p.jobLog(job).WithField("scheduled_at", at).Info("job rescheduled")
	return job, nil
}

// Resume re-attaches a persisted job to this engine after a restart. Jobs found mid-dispatch are
// reset to pending; due work is queued and future work gets its timer back.
func (p *Processor) Resume(ctx context.Context, job models.Job) error {
	now := p.clock.Now().UTC()
	switch job.Status {
	case models.StatusProcessing:
		job.Status = models.StatusPending
		job.UpdatedAt = now
		if err := p.store.UpdateJob(ctx, job, models.StatusProcessing); err != nil {
			return fmt.Errorf("reset %s to pending: %w", job.ID, err)
		}
		p.emit(job, models.EventJobApproved, map[string]any{"recovered": true})
		p.enqueue(job.ID)
	case models.StatusPending:
		p.enqueue(job.ID)
	case models.StatusScheduled:
		if !job.Due(now) {
			p.arm(ctx, job.ID, *job.ScheduledAt)
			return nil
		}
		return p.promote(ctx, job.ID)
	case models.StatusFailed:
		if job.NextRetryAt == nil {
			return nil
		}
		if job.NextRetryAt.After(now) {
			p.arm(ctx, job.ID, *job.NextRetryAt)
			return nil
		}
		return p.promote(ctx, job.ID)
	}
	return nil
}

// promote moves a due scheduled job, a failed job whose backoff elapsed, or a processing job whose
// dispatch stalled, to pending and queues it. Jobs in any other state are left alone.
func (p *Processor) promote(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := p.clock.Now().UTC()

	var meta map[string]any
	switch job.Status {
	case models.StatusPending:
		p.enqueue(jobID)
		return nil
	case models.StatusScheduled:
		if !job.Due(now) {
			p.arm(ctx, jobID, *job.ScheduledAt)
			return nil
		}
	case models.StatusFailed:
		if job.NextRetryAt == nil {
			return nil
		}
		if job.NextRetryAt.After(now) {
			p.arm(ctx, jobID, *job.NextRetryAt)
			return nil
		}
		meta = map[string]any{"retry_count": job.RetryCount}
	case models.StatusProcessing:
		if p.dispatching(jobID) {
			p.arm(ctx, jobID, now.Add(p.staleAfter(job)))
			return nil
		}
		if staleAt := job.UpdatedAt.Add(p.staleAfter(job)); staleAt.After(now) {
			p.arm(ctx, jobID, staleAt)
			return nil
		}
		meta = map[string]any{"reclaimed": true}
	default:
		return nil
	}

	from := job.Status
	job.Status = models.StatusPending
	job.NextRetryAt = nil
	job.UpdatedAt = now
	if err := p.store.UpdateJob(ctx, job, from); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("promote %s: %w", jobID, err)
	}
	p.emit(job, models.EventJobApproved, meta)
	p.enqueue(jobID)
	return nil
}

// Ready returns the ids waiting for a worker, oldest first.
func (p *Processor) Ready() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ready...)
}

func (p *Processor) dispatching(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processing[jobID]
	return ok
}

// Armed reports whether a timer is armed for jobID in this process.
func (p *Processor) Armed(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[jobID]
	return ok
}

func (p *Processor) emit(job models.Job, name string, meta map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Emit(models.Event{
		Name:       name,
		JobID:      job.ID,
		BrandID:    job.BrandID,
		TenantID:   job.TenantID,
		Status:     job.Status,
		Metadata:   meta,
		OccurredAt: p.clock.Now().UTC(),
	})
}

func (p *Processor) jobLog(job models.Job) logrus.FieldLogger {
	return p.log.WithFields(logrus.Fields{"job_id": job.ID, "brand_id": job.BrandID})
}
