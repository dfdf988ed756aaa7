package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"content-publisher/internal/models"
	"content-publisher/internal/telemetry"
)

// Process dispatches one pending job to every platform it has not been published on yet.
// Calls for a job already being processed here return immediately, and the pending->processing
// compare-and-set keeps other instances out, so at most one dispatch runs per job.
func (p *Processor) Process(ctx context.Context, jobID string) {
	if !p.acquire(jobID) {
		return
	}
	defer p.release(jobID)

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return
		}
		// it already left the ready list; try again on the next poll interval
		p.log.WithError(err).WithField("job_id", jobID).Warn("load job for processing failed, re-armed")
		p.arm(ctx, jobID, p.clock.Now().Add(p.cfg.PollInterval))
		return
	}
	if job.Status != models.StatusPending {
		return
	}
	log := p.jobLog(job)

	now := p.clock.Now().UTC()
	if !job.Due(now) {
		// timer fired early or the job was promoted by a skewed clock
		job.Status = models.StatusScheduled
		job.UpdatedAt = now
		if err := p.store.UpdateJob(ctx, job, models.StatusPending); err != nil {
			p.stall(ctx, job, "defer early job", err)
			return
		}
		p.arm(ctx, jobID, *job.ScheduledAt)
		p.emit(job, models.EventJobDeferred, map[string]any{"scheduled_at": *job.ScheduledAt})
		return
	}

	job.Status = models.StatusProcessing
	job.UpdatedAt = now
	if err := p.store.UpdateJob(ctx, job, models.StatusPending); err != nil {
		p.stall(ctx, job, "mark processing", err)
		return
	}
	p.emit(job, models.EventJobPublishing, map[string]any{"platforms": job.Unpublished(), "attempt": job.RetryCount + 1})

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	failures := make(map[string]models.PublishResult)
	for _, platform := range job.Unpublished() {
		res := p.dispatch(ctx, job, platform)
		p.recordAttempt(ctx, job, platform, res)
		if !res.Success {
			failures[platform] = res
			continue
		}
		if job.Posts == nil {
			job.Posts = make(map[string]models.PlatformPost)
		}
		job.Posts[platform] = models.PlatformPost{
			PlatformPostID: res.PlatformPostID,
			PlatformURL:    res.PlatformURL,
			PublishedAt:    p.clock.Now().UTC(),
		}
		// the post exists externally; record it before touching any other platform
		job.UpdatedAt = p.clock.Now().UTC()
		if err := p.store.UpdateJob(ctx, job, models.StatusProcessing); err != nil {
			p.stall(ctx, job, "record "+platform+" post", err)
			return
		}
	}

	if len(failures) > 0 {
		p.handleFailure(ctx, job, mergeFailures(job.Platforms, failures))
		return
	}

	done := p.clock.Now().UTC()
	job.Status = models.StatusPublished
	job.PublishedAt = &done
	job.NextRetryAt = nil
	job.UpdatedAt = done
	if err := p.store.UpdateJob(ctx, job, models.StatusProcessing); err != nil {
		p.stall(ctx, job, "mark published", err)
		return
	}
	telemetry.JobsPublished.Inc()
	posts := make(map[string]any, len(job.Posts))
	for platform, post := range job.Posts {
		posts[platform] = post.PlatformURL
	}
	p.emit(job, models.EventJobCompleted, map[string]any{"posts": posts, "retry_count": job.RetryCount})
	log.Info("job published")
}

// dispatch calls the adapter under an outer timeout. An adapter that ignores its context cannot
// hold the job past DispatchTimeout; its late result is discarded.
func (p *Processor) dispatch(ctx context.Context, job models.Job, platform string) models.PublishResult {
	req := models.PublishRequest{
		JobID:          job.ID,
		BrandID:        job.BrandID,
		Platform:       platform,
		Content:        job.Content.Clone(),
		IdempotencyKey: job.ID + ":" + platform,
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	out := make(chan models.PublishResult, 1)
	go func() { out <- p.registry.Publish(dctx, req) }()

	var res models.PublishResult
	select {
	case res = <-out:
	case <-dctx.Done():
		res = models.PublishResult{
			Error:        fmt.Sprintf("%s: no response within %s", platform, p.cfg.DispatchTimeout),
			ErrorCode:    models.CodeTimeout,
			ErrorDetails: map[string]any{"ambiguous": true},
			Retryable:    true,
		}
	}
	telemetry.DispatchLatency.WithLabelValues(platform).Observe(time.Since(start).Seconds())

	outcome := "success"
	if !res.Success {
		outcome = res.ErrorCode
		if outcome == "" {
			outcome = "error"
		}
	}
	telemetry.DispatchOutcomes.WithLabelValues(platform, outcome).Inc()

	if res.ErrorCode == models.CodeTimeout {
		p.jobLog(job).WithFields(logrus.Fields{"platform": platform, "attempt": job.RetryCount + 1}).
			Warn("dispatch outcome unknown after timeout; the platform may have created the post")
	}
	return res
}

func (p *Processor) recordAttempt(ctx context.Context, job models.Job, platform string, res models.PublishResult) {
	err := p.store.AppendAttempt(ctx, models.DispatchAttempt{
		JobID:          job.ID,
		Platform:       platform,
		Attempt:        job.RetryCount + 1,
		Success:        res.Success,
		PlatformPostID: res.PlatformPostID,
		PlatformURL:    res.PlatformURL,
		Error:          res.Error,
		ErrorCode:      res.ErrorCode,
		Recorded:       p.clock.Now().UTC(),
	})
	if err != nil {
		p.jobLog(job).WithError(err).Warn("append dispatch attempt failed")
	}
}

// handleFailure charges one retry. While budget remains and every failure is transient the job
// waits in failed with NextRetryAt set until its backoff timer fires; otherwise it is
// dead-lettered.
func (p *Processor) handleFailure(ctx context.Context, job models.Job, failure models.PublishResult) {
	now := p.clock.Now().UTC()
	job.RetryCount++
	msg := failure.Error
	job.LastError = &msg
	job.LastErrorDetails = failure.ErrorDetails
	job.Status = models.StatusFailed
	job.UpdatedAt = now
	log := p.jobLog(job).WithFields(logrus.Fields{"retry_count": job.RetryCount, "error_code": failure.ErrorCode})

	if failure.Retryable && job.RetryCount < job.MaxRetries {
		next := now.Add(Backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, job.RetryCount))
		job.NextRetryAt = &next
		if err := p.store.UpdateJob(ctx, job, models.StatusProcessing); err != nil {
			p.stall(ctx, job, "record failed attempt", err)
			return
		}
		p.arm(ctx, job.ID, next)
		telemetry.RetriesScheduled.Inc()
		p.emit(job, models.EventJobFailed, map[string]any{"error": msg, "error_code": failure.ErrorCode, "retry_count": job.RetryCount})
		p.emit(job, models.EventJobRetryScheduled, map[string]any{"retry_count": job.RetryCount, "next_retry_at": next})
		log.WithField("next_retry_at", next).Warn("dispatch failed, retry scheduled")
		return
	}

	job.NextRetryAt = nil
	if err := p.store.UpdateJob(ctx, job, models.StatusProcessing); err != nil {
		p.stall(ctx, job, "record dead letter", err)
		return
	}
	if p.due != nil {
		if err := p.due.DeadLetter(ctx, job.ID); err != nil {
			log.WithError(err).Warn("push to dead-letter list failed")
		}
	}
	telemetry.DeadLettered.Inc()
	reason := "retries exhausted"
	if !failure.Retryable {
		reason = "permanent failure"
	}
	p.emit(job, models.EventJobFailed, map[string]any{"error": msg, "error_code": failure.ErrorCode, "retry_count": job.RetryCount})
	p.emit(job, models.EventJobDeadLettered, map[string]any{"reason": reason, "retry_count": job.RetryCount})
	log.WithField("reason", reason).Error("job dead-lettered")
}

// stall hands a job back to the timers after a status write failed part way through dispatch. The
// store may still hold it as pending or processing; promote picks it up from either once it is
// stale. A conflict means another writer moved the job on, so there is nothing to reclaim.
func (p *Processor) stall(ctx context.Context, job models.Job, step string, err error) {
	if errors.Is(err, models.ErrStatusConflict) {
		return
	}
	at := p.clock.Now().Add(p.staleAfter(job))
	p.jobLog(job).WithError(err).WithFields(logrus.Fields{"step": step, "reclaim_at": at}).
		Error("status write failed, job will be reclaimed")
	telemetry.StalledJobs.Inc()
	p.arm(ctx, job.ID, at)
}

// staleAfter is how long a processing row may go without an update before another dispatch can
// take it over: one dispatch timeout per platform plus a poll interval.
func (p *Processor) staleAfter(job models.Job) time.Duration {
	n := len(job.Platforms)
	if n == 0 {
		n = 1
	}
	return time.Duration(n)*p.cfg.DispatchTimeout + p.cfg.PollInterval
}

// Backoff returns min(base * 2^retryCount, max).
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// mergeFailures folds per-platform failures into one result. The merged result is retryable only
// when every platform failure is.
func mergeFailures(order []string, failures map[string]models.PublishResult) models.PublishResult {
	merged := models.PublishResult{Retryable: true, ErrorDetails: map[string]any{}}
	var msgs []string
	for _, platform := range order {
		f, ok := failures[platform]
		if !ok {
			continue
		}
		if merged.ErrorCode == "" {
			merged.ErrorCode = f.ErrorCode
		}
		merged.Retryable = merged.Retryable && f.Retryable
		msgs = append(msgs, f.Error)
		merged.ErrorDetails[platform] = map[string]any{
			"error_code": f.ErrorCode,
			"retryable":  f.Retryable,
			"details":    f.ErrorDetails,
		}
	}
	merged.Error = strings.Join(msgs, "; ")
	return merged
}
