package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/models"
)

func seed(id, brand string, status models.Status, created time.Time, platforms ...string) models.Job {
	return models.Job{
		ID:        id,
		BrandID:   brand,
		Platforms: platforms,
		Content:   models.Content{Text: "hello " + id},
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemory_UpdateJobCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateJob(ctx, seed("a", "b1", models.StatusPending, base, "twitter")))

	job, err := m.GetJob(ctx, "a")
	require.NoError(t, err)
	job.Status = models.StatusProcessing
	require.NoError(t, m.UpdateJob(ctx, job, models.StatusPending))

	job.Status = models.StatusCancelled
	err = m.UpdateJob(ctx, job, models.StatusPending, models.StatusScheduled)
	assert.True(t, errors.Is(err, models.ErrStatusConflict))

	got, _ := m.GetJob(ctx, "a")
	assert.Equal(t, models.StatusProcessing, got.Status)

	_, err = m.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestMemory_UpdateJobKeepsContentImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateJob(ctx, seed("a", "b1", models.StatusPending, time.Now(), "twitter")))

	job, _ := m.GetJob(ctx, "a")
	job.Content.Text = "rewritten"
	require.NoError(t, m.UpdateJob(ctx, job))

	got, _ := m.GetJob(ctx, "a")
	assert.Equal(t, "hello a", got.Content.Text)
}

func TestMemory_ListJobsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Put(seed("j1", "b1", models.StatusPublished, base, "twitter"))
	m.Put(seed("j2", "b1", models.StatusFailed, base.Add(time.Minute), "linkedin"))
	m.Put(seed("j3", "b1", models.StatusPublished, base.Add(2*time.Minute), "twitter", "linkedin"))
	m.Put(seed("j4", "b2", models.StatusPublished, base, "twitter"))

	jobs, total, err := m.ListJobs(ctx, "b1", models.JobFilter{Status: models.StatusPublished})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "j3", jobs[0].ID)

	jobs, total, _ = m.ListJobs(ctx, "b1", models.JobFilter{Platform: "linkedin", Limit: 1, Offset: 1})
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j2", jobs[0].ID)
}
