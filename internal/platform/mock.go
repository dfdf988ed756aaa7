package platform

import (
	"context"
	"fmt"
	"sync"

	"content-publisher/internal/models"
)

// Mock is a scripted adapter for dev mode and tests. Queued results are returned in order;
// once the script is exhausted every call succeeds.
type Mock struct {
	name string

	mu       sync.Mutex
	script   []models.PublishResult
	requests []models.PublishRequest
	gate     chan struct{}
}

func NewMock(name string, script ...models.PublishResult) *Mock {
	return &Mock{name: name, script: script}
}

func (m *Mock) Name() string { return m.name }

// Enqueue appends results to the script.
func (m *Mock) Enqueue(results ...models.PublishResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, results...)
}

// Block makes subsequent calls hang, ignoring their context, until the returned release func
// is called. It simulates an adapter whose network call never returns.
func (m *Mock) Block() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

func (m *Mock) Publish(_ context.Context, req models.PublishRequest) models.PublishResult {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) > 0 {
		res := m.script[0]
		m.script = m.script[1:]
		return res
	}
	id := fmt.Sprintf("mock-%s-%d", m.name, n)
	return published(id, "https://example.invalid/"+m.name+"/"+id)
}

// Calls is the number of Publish invocations so far, including blocked ones.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *Mock) Requests() []models.PublishRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PublishRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
