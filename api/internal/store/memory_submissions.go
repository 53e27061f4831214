package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"homework-grader/api/internal/queue"
)

// MemorySubmissions backs the single-process dev mode (QUEUE_BACKEND=memory).
type MemorySubmissions struct {
	mu   sync.Mutex
	subs map[string]Submission
}

func NewMemorySubmissions() *MemorySubmissions {
	return &MemorySubmissions{subs: map[string]Submission{}}
}

func (m *MemorySubmissions) Create(_ context.Context, s Submission) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, ok := m.subs[s.ID]; ok {
		return "", ErrDuplicate
	}
	s.Status = "new"
	s.CreatedAt = time.Now().UTC()
	m.subs[s.ID] = s
	return s.ID, nil
}

func (m *MemorySubmissions) Get(_ context.Context, id string) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return Submission{}, queue.ErrNotFound
	}
	return s, nil
}

func (m *MemorySubmissions) MarkGraded(_ context.Context, id, status, resultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return queue.ErrNotFound
	}
	s.Status, s.ResultID = status, resultID
	m.subs[id] = s
	return nil
}
