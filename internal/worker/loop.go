package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"content-publisher/internal/models"
	"content-publisher/internal/telemetry"
)

// Run drives the engine until ctx is cancelled: every PollInterval it claims due jobs from the
// shared index and dispatches one batch of ready jobs. New ready work wakes it early.
func (p *Processor) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.cfg.PollInterval)
	defer ticker.Stop()
	defer p.stopTimers()

	p.log.WithField("poll_interval", p.cfg.PollInterval).Info("publishing queue started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		case <-p.wake:
		}
		if n := p.ProcessReady(ctx); n > 0 && len(p.Ready()) > 0 {
			p.signal()
		}
	}
}

// Poll promotes up to BatchSize jobs whose due time passed in the shared index. It picks up
// work whose in-process timer was lost to a restart or lives on another instance.
func (p *Processor) Poll(ctx context.Context) int {
	if p.due == nil {
		return 0
	}
	ids, err := p.due.ClaimDue(ctx, p.clock.Now(), p.cfg.BatchSize)
	if err != nil {
		p.log.WithError(err).Warn("claim due jobs failed")
		return 0
	}
	for _, id := range ids {
		err := p.promote(ctx, id)
		if err == nil || errors.Is(err, models.ErrNotFound) {
			continue
		}
		// the claim already removed it from the index; put it back for the next tick
		log := p.log.WithError(err).WithField("job_id", id)
		if serr := p.due.Schedule(ctx, id, p.clock.Now().Add(p.cfg.PollInterval)); serr != nil {
			log.WithField("schedule_error", serr).Error("promote due job failed and the job could not be returned to the due index")
			continue
		}
		log.Warn("promote due job failed, returned to due index")
	}
	if depth, err := p.due.Depth(ctx); err == nil {
		telemetry.DueIndexGauge.Set(float64(depth))
	}
	return len(ids)
}

// ProcessReady dispatches up to BatchSize ready jobs concurrently and waits for them. It returns
// how many jobs it took.
func (p *Processor) ProcessReady(ctx context.Context) int {
	batch := p.take(p.cfg.BatchSize)
	if len(batch) == 0 {
		return 0
	}
	var g errgroup.Group
	g.SetLimit(p.cfg.WorkerConcurrency)
	for _, id := range batch {
		id := id
		g.Go(func() error {
			p.Process(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch)
}

func (p *Processor) acquire(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.processing[jobID]; busy {
		return false
	}
	p.processing[jobID] = struct{}{}
	return true
}

func (p *Processor) release(jobID string) {
	p.mu.Lock()
	delete(p.processing, jobID)
	p.mu.Unlock()
}

func (p *Processor) enqueue(jobID string) {
	p.mu.Lock()
	if _, ok := p.queued[jobID]; !ok {
		p.queued[jobID] = struct{}{}
		p.ready = append(p.ready, jobID)
	}
	telemetry.ReadyGauge.Set(float64(len(p.ready)))
	p.mu.Unlock()
	p.signal()
}

func (p *Processor) dequeue(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[jobID]; !ok {
		return
	}
	delete(p.queued, jobID)
	for i, id := range p.ready {
		if id == jobID {
			p.ready = append(p.ready[:i], p.ready[i+1:]...)
			break
		}
	}
	telemetry.ReadyGauge.Set(float64(len(p.ready)))
}

func (p *Processor) take(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.ready) {
		n = len(p.ready)
	}
	batch := append([]string(nil), p.ready[:n]...)
	p.ready = p.ready[n:]
	for _, id := range batch {
		delete(p.queued, id)
	}
	telemetry.ReadyGauge.Set(float64(len(p.ready)))
	return batch
}

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// arm (re)sets the in-process timer for jobID and mirrors it into the due index.
func (p *Processor) arm(ctx context.Context, jobID string, at time.Time) {
	delay := at.Sub(p.clock.Now())
	if delay < 0 {
		delay = 0
	}
	p.mu.Lock()
	if t, ok := p.timers[jobID]; ok {
		t.Stop()
	}
	p.timers[jobID] = p.clock.AfterFunc(delay, func() { p.fire(jobID) })
	telemetry.TimersGauge.Set(float64(len(p.timers)))
	p.mu.Unlock()

	if p.due != nil {
		if err := p.due.Schedule(ctx, jobID, at); err != nil {
			p.log.WithError(err).WithField("job_id", jobID).Warn("mirror timer to due index failed")
		}
	}
}

func (p *Processor) disarm(ctx context.Context, jobID string) {
	p.dropTimer(jobID)
	p.unindex(ctx, jobID)
}

func (p *Processor) dropTimer(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[jobID]; ok {
		t.Stop()
		delete(p.timers, jobID)
	}
	telemetry.TimersGauge.Set(float64(len(p.timers)))
}

func (p *Processor) unindex(ctx context.Context, jobID string) {
	if p.due == nil {
		return
	}
	if err := p.due.Unschedule(ctx, jobID); err != nil {
		p.log.WithError(err).WithField("job_id", jobID).Warn("remove from due index failed")
	}
}

// fire runs when a timer elapses. The due index entry is only dropped once promote has settled the
// job; a failed promote re-arms one poll interval out so the job is never left without a trigger.
func (p *Processor) fire(jobID string) {
	ctx := context.Background()
	p.dropTimer(jobID)
	err := p.promote(ctx, jobID)
	switch {
	case err == nil:
		if !p.Armed(jobID) {
			p.unindex(ctx, jobID)
		}
	case errors.Is(err, models.ErrNotFound):
		p.unindex(ctx, jobID)
	default:
		p.log.WithError(err).WithField("job_id", jobID).Warn("promote job on timer failed, re-armed")
		p.arm(ctx, jobID, p.clock.Now().Add(p.cfg.PollInterval))
	}
}

func (p *Processor) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	telemetry.TimersGauge.Set(0)
}
