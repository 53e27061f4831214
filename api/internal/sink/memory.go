package sink

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/queue"
)

// Memory keeps results in process; dev mode only.
type Memory struct {
	mu      sync.RWMutex
	results map[string]grading.Result
	latest  map[string]string
}

func NewMemory() *Memory {
	return &Memory{results: map[string]grading.Result{}, latest: map[string]string{}}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Save(_ context.Context, res grading.Result) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.results[id] = res
	m.latest[res.SubmissionID] = id
	m.mu.Unlock()
	return id, nil
}

// Latest returns the most recent result saved for a submission.
func (m *Memory) Latest(_ context.Context, submissionID string) (grading.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.latest[submissionID]
	if !ok {
		return grading.Result{}, queue.ErrNotFound
	}
	return m.results[id], nil
}
