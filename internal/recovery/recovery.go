package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"content-publisher/internal/models"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
)

// Resumer re-attaches a persisted job to the live engine.
type Resumer interface {
	Resume(ctx context.Context, job models.Job) error
}

// Report counts what one recovery pass found, per bucket.
type Report struct {
	Processing      int
	Pending         int
	ScheduledDue    int
	ScheduledFuture int
	RetryPending    int
	Errors          []error
}

// Resumed is the number of jobs handed back to the engine.
func (r Report) Resumed() int {
	return r.Processing + r.Pending + r.ScheduledDue + r.ScheduledFuture + r.RetryPending
}

// Service reconciles the job store with the engine once at startup.
type Service struct {
	store  store.JobStore
	engine Resumer
	clock  clock.Clock
	log    logrus.FieldLogger
}

func NewService(st store.JobStore, engine Resumer, clk clock.Clock, log logrus.FieldLogger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{store: st, engine: engine, clock: clk, log: log}
}

// Run walks every non-terminal status. Failures are logged and collected in the report, never
// returned: a job that is not resumed stays in the store for the next pass.
func (s *Service) Run(ctx context.Context) Report {
	var report Report
	start := time.Now()
	now := s.clock.Now().UTC()

	// snapshot every bucket before resuming anything, so a job moved from processing to pending
	// is not counted twice
	var found []models.Job
	for _, status := range []models.Status{
		models.StatusProcessing,
		models.StatusPending,
		models.StatusScheduled,
		models.StatusFailed,
	} {
		jobs, err := s.store.ListByStatus(ctx, status, 0)
		if err != nil {
			s.log.WithError(err).WithField("status", status).Error("recovery: list jobs failed")
			report.Errors = append(report.Errors, fmt.Errorf("list %s: %w", status, err))
			continue
		}
		found = append(found, jobs...)
	}

	for _, job := range found {
		bucket := classify(job, now)
		if bucket == "" {
			continue
		}
		if err := s.engine.Resume(ctx, job); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"job_id": job.ID, "bucket": bucket}).Warn("recovery: resume job failed")
			report.Errors = append(report.Errors, fmt.Errorf("resume %s: %w", job.ID, err))
			continue
		}
		report.count(bucket)
		telemetry.RecoveredJobs.WithLabelValues(bucket).Inc()
	}

	s.log.WithFields(logrus.Fields{
		"processing":       report.Processing,
		"pending":          report.Pending,
		"scheduled_due":    report.ScheduledDue,
		"scheduled_future": report.ScheduledFuture,
		"retry_pending":    report.RetryPending,
		"errors":           len(report.Errors),
		"took":             time.Since(start).String(),
	}).Info("recovery finished")
	return report
}

func classify(job models.Job, now time.Time) string {
	switch job.Status {
	case models.StatusProcessing:
		return "processing"
	case models.StatusPending:
		return "pending"
	case models.StatusScheduled:
		if job.Due(now) {
			return "scheduled_due"
		}
		return "scheduled_future"
	case models.StatusFailed:
		if job.NextRetryAt != nil {
			return "retry_pending"
		}
	}
	return ""
}

func (r *Report) count(bucket string) {
	switch bucket {
	case "processing":
		r.Processing++
	case "pending":
		r.Pending++
	case "scheduled_due":
		r.ScheduledDue++
	case "scheduled_future":
		r.ScheduledFuture++
	case "retry_pending":
		r.RetryPending++
	}
}
