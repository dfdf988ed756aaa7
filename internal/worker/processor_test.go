package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/config"
	"content-publisher/internal/logging"
	"content-publisher/internal/models"
	"content-publisher/internal/platform"
	"content-publisher/internal/queue"
	"content-publisher/internal/store"
	"content-publisher/internal/validator"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Emit(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type harness struct {
	p      *Processor
	store  *store.Memory
	clock  *clock.Mock
	events *recorder
	mocks  map[string]*platform.Mock
}

func newHarness(t *testing.T, cfg config.Config, opts ...Option) *harness {
	t.Helper()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}
	h := &harness{
		store:  store.NewMemory(),
		clock:  clock.NewMock(),
		events: &recorder{},
		mocks:  map[string]*platform.Mock{},
	}
	h.clock.Set(t0)
	var adapters []platform.Adapter
	for _, name := range []string{"twitter", "linkedin", "instagram"} {
		m := platform.NewMock(name)
		h.mocks[name] = m
		adapters = append(adapters, m)
	}
	reg := platform.NewRegistry(logging.Discard(), nil, adapters...)
	opts = append([]Option{WithClock(h.clock), WithEmitter(h.events), WithLogger(logging.Discard())}, opts...)
	h.p = NewProcessor(cfg, h.store, reg, validator.New(nil), opts...)
	return h
}

func (h *harness) admit(t *testing.T, platforms []string, scheduledAt *time.Time) models.Job {
	t.Helper()
	job, _, err := h.p.Admit(context.Background(), models.Job{
		BrandID:     "brand-1",
		TenantID:    "tenant-1",
		Platforms:   platforms,
		Content:     models.Content{Text: "Spring launch is live", Hashtags: []string{"launch", "spring"}},
		ScheduledAt: scheduledAt,
	}, false)
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// advance moves the mock clock and waits for the timer callback to queue the job.
func (h *harness) advance(t *testing.T, d time.Duration, id string) {
	t.Helper()
	h.clock.Add(d)
	require.Eventually(t, func() bool {
		for _, r := range h.p.Ready() {
			if r == id {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func transient(msg string) models.PublishResult {
	return models.Failed(models.CodeNetwork, msg, true)
}

func TestAdmit_ValidationGate(t *testing.T) {
	h := newHarness(t, config.Config{})

	job, results, err := h.p.Admit(context.Background(), models.Job{
		BrandID:   "brand-1",
		Platforms: []string{"twitter"},
		Content:   models.Content{Text: strings.Repeat("a", 281)},
	}, false)

	var vf *models.ValidationFailure
	require.ErrorAs(t, err, &vf)
	var errs []models.ValidationResult
	for _, r := range results {
		if r.Status == models.ValidationError {
			errs = append(errs, r)
		}
	}
	require.Len(t, errs, 1)
	assert.Equal(t, "text", errs[0].Field)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "validation failed", *stored.LastError)
	assert.True(t, stored.DeadLettered())
	assert.Empty(t, h.p.Ready())

	assert.Equal(t, 0, h.p.ProcessReady(context.Background()))
	assert.Equal(t, 0, h.mocks["twitter"].Calls())
}

func TestAdmit_DryRunPersistsNothing(t *testing.T) {
	h := newHarness(t, config.Config{})

	_, results, err := h.p.Admit(context.Background(), models.Job{
		BrandID:   "brand-1",
		Platforms: []string{"twitter"},
		Content:   models.Content{Text: strings.Repeat("a", 300)},
	}, true)

	require.NoError(t, err)
	assert.True(t, models.HasErrors(results))
	_, total, err := h.store.ListJobs(context.Background(), "brand-1", models.JobFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAdmit_UnsupportedPlatformCreatesNothing(t *testing.T) {
	h := newHarness(t, config.Config{})

	_, _, err := h.p.Admit(context.Background(), models.Job{BrandID: "brand-1", Platforms: []string{"myspace"}}, false)

	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	_, total, _ := h.store.ListJobs(context.Background(), "brand-1", models.JobFilter{})
	assert.Zero(t, total)
}

func TestAdmit_FutureScheduleBecomesPendingWhenTimerFires(t *testing.T) {
	h := newHarness(t, config.Config{})
	at := t0.Add(time.Hour)

	job := h.admit(t, []string{"twitter"}, &at)
	assert.Equal(t, models.StatusScheduled, job.Status)
	assert.True(t, h.p.Armed(job.ID))
	assert.Empty(t, h.p.Ready())

	h.advance(t, time.Hour, job.ID)

	assert.Equal(t, models.StatusPending, h.job(t, job.ID).Status)
	assert.False(t, h.p.Armed(job.ID))
	assert.Equal(t, 1, h.events.count(models.EventJobApproved))
	assert.Equal(t, 0, h.mocks["twitter"].Calls())
}

func TestProcess_PublishesEveryPlatform(t *testing.T) {
	h := newHarness(t, config.Config{})
	job := h.admit(t, []string{"twitter", "linkedin"}, nil)
	require.Equal(t, models.StatusPending, job.Status)

	assert.Equal(t, 1, h.p.ProcessReady(context.Background()))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.StatusPublished, stored.Status)
	require.NotNil(t, stored.PublishedAt)
	assert.Len(t, stored.Posts, 2)
	assert.Len(t, h.store.Attempts(job.ID), 2)
	assert.Equal(t, job.ID+":twitter", h.mocks["twitter"].Requests()[0].IdempotencyKey)
	assert.Equal(t, 1, h.events.count(models.EventJobPublishing))
	assert.Equal(t, 1, h.events.count(models.EventJobCompleted))
}

func TestProcess_FailsTwiceThenSucceeds(t *testing.T) {
	h := newHarness(t, config.Config{MaxRetries: 3})
	h.mocks["twitter"].Enqueue(transient("reset by peer"), transient("reset by peer"))
	job := h.admit(t, []string{"twitter"}, nil)
	ctx := context.Background()

	h.p.ProcessReady(ctx)
	first := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, first.Status)
	assert.Equal(t, 1, first.RetryCount)
	require.NotNil(t, first.NextRetryAt)
	assert.Equal(t, t0.Add(2*time.Second), *first.NextRetryAt)
	assert.False(t, first.Terminal())

	h.advance(t, 2*time.Second, job.ID)
	h.p.ProcessReady(ctx)
	second := h.job(t, job.ID)
	assert.Equal(t, 2, second.RetryCount)
	require.NotNil(t, second.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(4*time.Second), *second.NextRetryAt)

	h.advance(t, 4*time.Second, job.ID)
	h.p.ProcessReady(ctx)
	final := h.job(t, job.ID)
	assert.Equal(t, models.StatusPublished, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	assert.Nil(t, final.NextRetryAt)

	attempts := h.store.Attempts(job.ID)
	require.Len(t, attempts, 3)
	assert.False(t, attempts[0].Success)
	assert.False(t, attempts[1].Success)
	assert.True(t, attempts[2].Success)
	assert.Equal(t, []int{1, 2, 3}, []int{attempts[0].Attempt, attempts[1].Attempt, attempts[2].Attempt})
	assert.Equal(t, 2, h.events.count(models.EventJobRetryScheduled))
	assert.Equal(t, 0, h.events.count(models.EventJobDeadLettered))
}

func TestProcess_DeadLettersExactlyWhenRetriesExhausted(t *testing.T) {
	h := newHarness(t, config.Config{MaxRetries: 3})
	h.mocks["twitter"].Enqueue(transient("down"), transient("down"), transient("down"))
	job := h.admit(t, []string{"twitter"}, nil)
	ctx := context.Background()

	var delays []time.Duration
	for i := 1; i <= 3; i++ {
		h.p.ProcessReady(ctx)
		cur := h.job(t, job.ID)
		require.Equal(t, i, cur.RetryCount)
		require.Equal(t, models.StatusFailed, cur.Status)
		if i < 3 {
			require.NotNil(t, cur.NextRetryAt, "attempt %d", i)
			delay := cur.NextRetryAt.Sub(h.clock.Now())
			delays = append(delays, delay)
			h.advance(t, delay, job.ID)
		}
	}

	final := h.job(t, job.ID)
	assert.True(t, final.DeadLettered())
	assert.Equal(t, 3, final.RetryCount)
	assert.False(t, h.p.Armed(job.ID))
	assert.Equal(t, 1, h.events.count(models.EventJobDeadLettered))
	assert.LessOrEqual(t, delays[0], delays[1])

	h.clock.Add(time.Hour)
	assert.Equal(t, 0, h.p.ProcessReady(ctx))
	assert.Equal(t, 3, h.mocks["twitter"].Calls())
}

func TestProcess_PermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t, config.Config{MaxRetries: 3})
	h.mocks["twitter"].Enqueue(models.Failed(models.CodeUnauthorized, "token revoked", false))
	job := h.admit(t, []string{"twitter"}, nil)

	h.p.ProcessReady(context.Background())

	stored := h.job(t, job.ID)
	assert.True(t, stored.DeadLettered())
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, 1, h.events.count(models.EventJobDeadLettered))
	assert.False(t, h.p.Armed(job.ID))
}

func TestProcess_RetryOnlyDispatchesUnpublishedPlatforms(t *testing.T) {
	h := newHarness(t, config.Config{})
	h.mocks["linkedin"].Enqueue(transient("linkedin 503"))
	job := h.admit(t, []string{"twitter", "linkedin"}, nil)
	ctx := context.Background()

	h.p.ProcessReady(ctx)
	partial := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, partial.Status)
	assert.Contains(t, partial.Posts, "twitter")
	assert.NotContains(t, partial.Posts, "linkedin")

	h.advance(t, 2*time.Second, job.ID)
	h.p.ProcessReady(ctx)

	assert.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)
	assert.Equal(t, 1, h.mocks["twitter"].Calls())
	assert.Equal(t, 2, h.mocks["linkedin"].Calls())
}

func TestProcess_NoDoublePublish(t *testing.T) {
	h := newHarness(t, config.Config{})
	job := h.admit(t, []string{"twitter"}, nil)
	ctx := context.Background()

	h.p.ProcessReady(ctx)
	require.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)

	h.p.Process(ctx, job.ID)
	h.p.Process(ctx, job.ID)
	require.NoError(t, h.p.Resume(ctx, h.job(t, job.ID)))
	h.p.ProcessReady(ctx)

	assert.Equal(t, 1, h.mocks["twitter"].Calls())
}

func TestProcess_ConcurrentCallsDispatchOnce(t *testing.T) {
	h := newHarness(t, config.Config{})
	job := h.admit(t, []string{"twitter"}, nil)
	release := h.mocks["twitter"].Block()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.p.Process(ctx, job.ID)
		}()
	}
	require.Eventually(t, func() bool { return h.mocks["twitter"].Calls() == 1 }, time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, h.mocks["twitter"].Calls())
	assert.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)
}

func TestProcess_OuterTimeoutFreesWedgedJob(t *testing.T) {
	h := newHarness(t, config.Config{DispatchTimeout: 50 * time.Millisecond})
	job := h.admit(t, []string{"twitter"}, nil)
	release := h.mocks["twitter"].Block()
	defer release()

	h.p.Process(context.Background(), job.ID)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.NextRetryAt)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "no response within")
	assert.Equal(t, models.CodeTimeout, h.store.Attempts(job.ID)[0].ErrorCode)
	assert.True(t, h.p.acquire(job.ID), "guard must be released")
}

func TestProcess_RecheckDueTime(t *testing.T) {
	h := newHarness(t, config.Config{})
	at := t0.Add(10 * time.Minute)
	h.store.Put(models.Job{
		ID: "early", BrandID: "brand-1", Platforms: []string{"twitter"}, MaxRetries: 3,
		Content: models.Content{Text: "hi"}, Status: models.StatusPending, ScheduledAt: &at,
	})

	h.p.Process(context.Background(), "early")

	assert.Equal(t, models.StatusScheduled, h.job(t, "early").Status)
	assert.True(t, h.p.Armed("early"))
	assert.Equal(t, 0, h.mocks["twitter"].Calls())
	assert.Equal(t, 1, h.events.count(models.EventJobDeferred))
}

func TestProcess_FailedStatusWriteIsReclaimed(t *testing.T) {
	h := newHarness(t, config.Config{})
	ctx := context.Background()
	var failedOnce bool
	h.store.BeforeUpdate = func(job models.Job) error {
		if job.Status == models.StatusFailed && !failedOnce {
			failedOnce = true
			return errors.New("connection reset by peer")
		}
		return nil
	}
	h.mocks["twitter"].Enqueue(transient("gateway timeout"))
	job := h.admit(t, []string{"twitter"}, nil)

	h.p.ProcessReady(ctx)
	assert.Equal(t, models.StatusProcessing, h.job(t, job.ID).Status)
	require.True(t, h.p.Armed(job.ID))

	// one dispatch timeout plus one poll interval after the stall
	h.advance(t, 7*time.Second, job.ID)
	assert.Equal(t, models.StatusPending, h.job(t, job.ID).Status)

	h.p.ProcessReady(ctx)
	assert.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)
	assert.Equal(t, 2, h.mocks["twitter"].Calls())
	assert.Equal(t, 2, h.events.count(models.EventJobApproved))
}

func TestProcess_LostPostRecordRedispatchesWithSameKey(t *testing.T) {
	h := newHarness(t, config.Config{})
	ctx := context.Background()
	var failedOnce bool
	h.store.BeforeUpdate = func(job models.Job) error {
		if len(job.Posts) > 0 && !failedOnce {
			failedOnce = true
			return errors.New("connection reset by peer")
		}
		return nil
	}
	job := h.admit(t, []string{"twitter", "linkedin"}, nil)

	h.p.ProcessReady(ctx)
	assert.Equal(t, models.StatusProcessing, h.job(t, job.ID).Status)
	assert.Equal(t, 1, h.mocks["twitter"].Calls())
	assert.Equal(t, 0, h.mocks["linkedin"].Calls())

	h.advance(t, 12*time.Second, job.ID)
	h.p.ProcessReady(ctx)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.StatusPublished, stored.Status)
	assert.Len(t, stored.Posts, 2)
	reqs := h.mocks["twitter"].Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)
}

func TestProcess_UnreadableJobIsReArmed(t *testing.T) {
	h := newHarness(t, config.Config{})
	ctx := context.Background()
	job := h.admit(t, []string{"twitter"}, nil)

	h.store.SetFailReads(true)
	h.p.ProcessReady(ctx)
	assert.Empty(t, h.p.Ready())
	assert.True(t, h.p.Armed(job.ID))

	h.store.SetFailReads(false)
	h.advance(t, 2*time.Second, job.ID)
	h.p.ProcessReady(ctx)
	assert.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)
}

func TestPromote_LeavesFreshProcessingRowArmed(t *testing.T) {
	h := newHarness(t, config.Config{})
	ctx := context.Background()
	job := h.admit(t, []string{"twitter"}, nil)
	stuck := h.job(t, job.ID)
	stuck.Status = models.StatusProcessing
	stuck.UpdatedAt = t0
	h.store.Put(stuck)

	require.NoError(t, h.p.promote(ctx, job.ID))
	assert.Equal(t, models.StatusProcessing, h.job(t, job.ID).Status)
	assert.True(t, h.p.Armed(job.ID))
}

func TestProcess_DiscardsResultWhenStatusChangedMidFlight(t *testing.T) {
	h := newHarness(t, config.Config{})
	job := h.admit(t, []string{"twitter"}, nil)
	release := h.mocks["twitter"].Block()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		h.p.Process(ctx, job.ID)
		close(done)
	}()
	require.Eventually(t, func() bool { return h.mocks["twitter"].Calls() == 1 }, time.Second, 5*time.Millisecond)

	cancelled := h.job(t, job.ID)
	cancelled.Status = models.StatusCancelled
	h.store.Put(cancelled)
	release()
	<-done

	stored := h.job(t, job.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Empty(t, stored.Posts)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		job := h.admit(t, []string{"twitter"}, nil)

		require.NoError(t, h.p.Cancel(ctx, job.ID))
		assert.Equal(t, models.StatusCancelled, h.job(t, job.ID).Status)
		assert.Empty(t, h.p.Ready())
		h.p.Process(ctx, job.ID)
		assert.Equal(t, 0, h.mocks["twitter"].Calls())
		assert.Equal(t, 1, h.events.count(models.EventJobCancelled))
	})

	t.Run("scheduled", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		at := t0.Add(time.Hour)
		job := h.admit(t, []string{"twitter"}, &at)

		require.NoError(t, h.p.Cancel(ctx, job.ID))
		assert.False(t, h.p.Armed(job.ID))
		h.clock.Add(2 * time.Hour)
		assert.Equal(t, models.StatusCancelled, h.job(t, job.ID).Status)
	})

	t.Run("published is rejected", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		job := h.admit(t, []string{"twitter"}, nil)
		h.p.ProcessReady(ctx)

		assert.ErrorIs(t, h.p.Cancel(ctx, job.ID), models.ErrNotCancellable)
		assert.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)
	})

	t.Run("processing is rejected", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		job := h.admit(t, []string{"twitter"}, nil)
		release := h.mocks["twitter"].Block()
		done := make(chan struct{})
		go func() {
			h.p.Process(ctx, job.ID)
			close(done)
		}()
		require.Eventually(t, func() bool { return h.mocks["twitter"].Calls() == 1 }, time.Second, 5*time.Millisecond)

		assert.ErrorIs(t, h.p.Cancel(ctx, job.ID), models.ErrNotCancellable)
		assert.Equal(t, models.StatusProcessing, h.job(t, job.ID).Status)
		release()
		<-done
		assert.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)
	})

	t.Run("waiting for retry is rejected", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		h.mocks["twitter"].Enqueue(transient("down"))
		job := h.admit(t, []string{"twitter"}, nil)
		h.p.ProcessReady(ctx)

		assert.ErrorIs(t, h.p.Cancel(ctx, job.ID), models.ErrNotCancellable)
		assert.Equal(t, models.StatusFailed, h.job(t, job.ID).Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		assert.ErrorIs(t, h.p.Cancel(ctx, "missing"), models.ErrNotFound)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("dead-lettered job is re-admitted", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		h.mocks["twitter"].Enqueue(models.Failed(models.CodeUnauthorized, "revoked", false))
		job := h.admit(t, []string{"twitter"}, nil)
		h.p.ProcessReady(ctx)
		require.True(t, h.job(t, job.ID).DeadLettered())

		require.NoError(t, h.p.Retry(ctx, job.ID))
		revived := h.job(t, job.ID)
		assert.Equal(t, models.StatusPending, revived.Status)
		assert.Zero(t, revived.RetryCount)
		assert.Equal(t, []string{job.ID}, h.p.Ready())

		h.p.ProcessReady(ctx)
		assert.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)
	})

	t.Run("only dead-lettered jobs", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		h.mocks["twitter"].Enqueue(transient("down"))
		job := h.admit(t, []string{"twitter"}, nil)
		assert.ErrorIs(t, h.p.Retry(ctx, job.ID), models.ErrNotRetryable)

		h.p.ProcessReady(ctx)
		assert.ErrorIs(t, h.p.Retry(ctx, job.ID), models.ErrNotRetryable, "waiting for backoff")
	})

	t.Run("content still invalid", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		job, _, _ := h.p.Admit(ctx, models.Job{
			BrandID:   "brand-1",
			Platforms: []string{"twitter"},
			Content:   models.Content{Text: strings.Repeat("a", 281)},
		}, false)

		var vf *models.ValidationFailure
		assert.ErrorAs(t, h.p.Retry(ctx, job.ID), &vf)
		assert.Equal(t, models.StatusFailed, h.job(t, job.ID).Status)
		assert.Empty(t, h.p.Ready())
	})
}

func TestReschedule(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the timer", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		at := t0.Add(time.Hour)
		job := h.admit(t, []string{"twitter"}, &at)

		updated, err := h.p.Reschedule(ctx, job.ID, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, models.StatusScheduled, updated.Status)

		h.clock.Add(time.Hour)
		assert.Empty(t, h.p.Ready())
		assert.Equal(t, models.StatusScheduled, h.job(t, job.ID).Status)

		h.advance(t, time.Hour, job.ID)
		assert.Equal(t, models.StatusPending, h.job(t, job.ID).Status)
	})

	t.Run("due time makes the job pending", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		at := t0.Add(time.Hour)
		job := h.admit(t, []string{"twitter"}, &at)

		updated, err := h.p.Reschedule(ctx, job.ID, t0)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, updated.Status)
		assert.False(t, h.p.Armed(job.ID))
		assert.Equal(t, []string{job.ID}, h.p.Ready())
	})

	t.Run("pending job can be pushed out", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		job := h.admit(t, []string{"twitter"}, nil)

		updated, err := h.p.Reschedule(ctx, job.ID, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, models.StatusScheduled, updated.Status)
		assert.Empty(t, h.p.Ready())
		assert.True(t, h.p.Armed(job.ID))
	})

	t.Run("past time is rejected", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		at := t0.Add(time.Hour)
		job := h.admit(t, []string{"twitter"}, &at)

		_, err := h.p.Reschedule(ctx, job.ID, t0.Add(-time.Hour))
		var vf *models.ValidationFailure
		assert.ErrorAs(t, err, &vf)
	})

	t.Run("published job is rejected", func(t *testing.T) {
		h := newHarness(t, config.Config{})
		job := h.admit(t, []string{"twitter"}, nil)
		h.p.ProcessReady(ctx)

		_, err := h.p.Reschedule(ctx, job.ID, t0.Add(time.Hour))
		assert.ErrorIs(t, err, models.ErrNotReschedulable)
	})
}

func TestProcessReady_BoundedByBatchSize(t *testing.T) {
	h := newHarness(t, config.Config{BatchSize: 2})
	for i := 0; i < 5; i++ {
		h.admit(t, []string{"twitter"}, nil)
	}
	ctx := context.Background()

	assert.Equal(t, 2, h.p.ProcessReady(ctx))
	assert.Len(t, h.p.Ready(), 3)
	assert.Equal(t, 2, h.p.ProcessReady(ctx))
	assert.Equal(t, 1, h.p.ProcessReady(ctx))
	assert.Equal(t, 5, h.mocks["twitter"].Calls())
}

func newRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), config.Config{})
}

func TestDueIndex_MirrorsTimersAndDeadLetters(t *testing.T) {
	q := newRedisQueue(t)
	h := newHarness(t, config.Config{}, WithDueIndex(q))
	ctx := context.Background()
	at := t0.Add(time.Hour)

	scheduled := h.admit(t, []string{"twitter"}, &at)
	runAt, ok, err := q.ScheduledAt(ctx, scheduled.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, runAt.Equal(at))

	h.mocks["twitter"].Enqueue(models.Failed(models.CodeRejected, "duplicate content", false))
	failed := h.admit(t, []string{"twitter"}, nil)
	h.p.ProcessReady(ctx)
	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{failed.ID}, dlq)

	require.NoError(t, h.p.Retry(ctx, failed.ID))
	dlq, _ = q.DLQPeek(ctx, 10)
	assert.Empty(t, dlq)
}

func TestPoll_PromotesJobsFromSharedIndex(t *testing.T) {
	q := newRedisQueue(t)
	h := newHarness(t, config.Config{}, WithDueIndex(q))
	ctx := context.Background()
	at := t0.Add(-time.Minute)
	h.store.Put(models.Job{
		ID: "orphan", BrandID: "brand-1", Platforms: []string{"twitter"}, MaxRetries: 3,
		Content: models.Content{Text: "hi"}, Status: models.StatusScheduled, ScheduledAt: &at,
	})
	require.NoError(t, q.Schedule(ctx, "orphan", at))

	assert.Equal(t, 1, h.p.Poll(ctx))
	assert.Equal(t, models.StatusPending, h.job(t, "orphan").Status)
	assert.Equal(t, []string{"orphan"}, h.p.Ready())

	assert.Equal(t, 0, h.p.Poll(ctx))
}

func TestPoll_FailedPromoteReturnsJobToIndex(t *testing.T) {
	q := newRedisQueue(t)
	h := newHarness(t, config.Config{}, WithDueIndex(q))
	ctx := context.Background()
	at := t0.Add(-time.Minute)
	h.store.Put(models.Job{
		ID: "orphan", BrandID: "brand-1", Platforms: []string{"twitter"}, MaxRetries: 3,
		Content: models.Content{Text: "hi"}, Status: models.StatusScheduled, ScheduledAt: &at,
	})
	require.NoError(t, q.Schedule(ctx, "orphan", at))

	h.store.SetFailReads(true)
	assert.Equal(t, 1, h.p.Poll(ctx))
	runAt, ok, err := q.ScheduledAt(ctx, "orphan")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, runAt.Equal(t0.Add(2*time.Second)))

	h.store.SetFailReads(false)
	assert.Equal(t, 0, h.p.Poll(ctx))
	h.clock.Add(2 * time.Second)
	assert.Equal(t, 1, h.p.Poll(ctx))
	assert.Equal(t, models.StatusPending, h.job(t, "orphan").Status)
	assert.Equal(t, []string{"orphan"}, h.p.Ready())
}

func TestTimer_FailedPromoteKeepsJobIndexed(t *testing.T) {
	q := newRedisQueue(t)
	h := newHarness(t, config.Config{}, WithDueIndex(q))
	ctx := context.Background()
	at := t0.Add(time.Hour)
	job := h.admit(t, []string{"twitter"}, &at)

	h.store.SetFailReads(true)
	h.clock.Add(time.Hour)
	require.Eventually(t, func() bool {
		runAt, ok, err := q.ScheduledAt(ctx, job.ID)
		return err == nil && ok && runAt.Equal(at.Add(2*time.Second))
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.p.Armed(job.ID))

	h.store.SetFailReads(false)
	h.advance(t, 2*time.Second, job.ID)
	assert.Equal(t, models.StatusPending, h.job(t, job.ID).Status)
	require.Eventually(t, func() bool {
		_, ok, err := q.ScheduledAt(ctx, job.ID)
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)

	h.p.ProcessReady(ctx)
	assert.Equal(t, models.StatusPublished, h.job(t, job.ID).Status)
}

func TestAdmit_ValidationRejectIsListedAsDeadLetter(t *testing.T) {
	q := newRedisQueue(t)
	h := newHarness(t, config.Config{}, WithDueIndex(q))
	ctx := context.Background()

	job, _, err := h.p.Admit(ctx, models.Job{
		BrandID:   "brand-1",
		Platforms: []string{"twitter"},
		Content:   models.Content{Text: strings.Repeat("a", 281)},
	}, false)
	require.Error(t, err)

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, dlq)
	assert.Equal(t, 1, h.events.count(models.EventJobDeadLettered))
}

func TestRun_DispatchesAdmittedWork(t *testing.T) {
	h := newHarness(t, config.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.p.Run(ctx) }()

	job := h.admit(t, []string{"twitter"}, nil)

	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == models.StatusPublished
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{64, 30 * time.Second},
	}
	prev := time.Duration(0)
	for _, tc := range cases {
		got := Backoff(time.Second, 30*time.Second, tc.retry)
		assert.Equal(t, tc.want, got, "retry %d", tc.retry)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}
