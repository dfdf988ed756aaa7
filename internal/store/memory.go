package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"content-publisher/internal/models"
)

// Memory is an in-process JobStore used by tests and STORE_DRIVER=memory.
type Memory struct {
	mu       sync.RWMutex
	jobs     map[string]models.Job
	attempts []models.DispatchAttempt
	audits   []models.AuditLog
	// FailReads makes every read return an error, to simulate an unreachable store.
	FailReads bool
	// BeforeUpdate, when set, runs before each UpdateJob; a non-nil error aborts the write.
	BeforeUpdate func(job models.Job) error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job)}
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("insert job %s: duplicate id", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return models.Job{}, fmt.Errorf("get job %s: store unavailable", id)
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, models.ErrNotFound)
	}
	return job.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context, brandID string, f models.JobFilter) ([]models.Job, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []models.Job
	for _, job := range m.jobs {
		if job.BrandID != brandID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Platform != "" && !slices.Contains(job.Platforms, f.Platform) {
			continue
		}
		matched = append(matched, job.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= total {
		return []models.Job{}, total, nil
	}
	end := f.Offset + limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

func (m *Memory) ListByStatus(_ context.Context, status models.Status, limit int) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return nil, fmt.Errorf("list %s jobs: store unavailable", status)
	}
	var out []models.Job
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetFailReads toggles FailReads while other goroutines may be reading.
func (m *Memory) SetFailReads(fail bool) {
	m.mu.Lock()
	m.FailReads = fail
	m.mu.Unlock()
}

func (m *Memory) UpdateJob(_ context.Context, job models.Job, expected ...models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BeforeUpdate != nil {
		if err := m.BeforeUpdate(job); err != nil {
			return fmt.Errorf("update job %s: %w", job.ID, err)
		}
	}
	cur, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("update job %s: %w", job.ID, models.ErrNotFound)
	}
	if len(expected) > 0 && !slices.Contains(expected, cur.Status) {
		return fmt.Errorf("update job %s: %w", job.ID, models.ErrStatusConflict)
	}
	next := job.Clone()
	// identity, content and creation time are immutable
	next.BrandID, next.TenantID, next.Platforms = cur.BrandID, cur.TenantID, cur.Platforms
	next.Content, next.MaxRetries, next.CreatedAt = cur.Content, cur.MaxRetries, cur.CreatedAt
	m.jobs[job.ID] = next
	return nil
}

func (m *Memory) AppendAttempt(_ context.Context, a models.DispatchAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

// Attempts returns the dispatch log rows recorded for jobID.
func (m *Memory) Attempts(jobID string) []models.DispatchAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DispatchAttempt
	for _, a := range m.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

// Audits returns the audit rows recorded for jobID.
func (m *Memory) Audits(jobID string) []models.AuditLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditLog
	for _, a := range m.audits {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

// Put stores job as-is, bypassing status checks. Used to seed fixtures.
func (m *Memory) Put(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
}
