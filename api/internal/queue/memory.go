package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps items in process memory. Used for tests and QUEUE_BACKEND=memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]*Item{}}
}

func (m *MemoryStore) Insert(_ context.Context, it Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := it
	m.items[it.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return *it, nil
}

// Put overwrites an item as-is.
func (m *MemoryStore) Put(it Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := it
	m.items[it.ID] = &cp
}

func (m *MemoryStore) NextPending(_ context.Context, maxAttempts int) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cands []*Item
	for _, it := range m.items {
		if it.Status == StatusPending && it.Attempts < maxAttempts {
			cands = append(cands, it)
		}
	}
	if len(cands) == 0 {
		return Item{}, ErrNotFound
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Priority != cands[j].Priority {
			return cands[i].Priority > cands[j].Priority
		}
		if !cands[i].CreatedAt.Equal(cands[j].CreatedAt) {
			return cands[i].CreatedAt.Before(cands[j].CreatedAt)
		}
		return cands[i].ID < cands[j].ID
	})
	return *cands[0], nil
}

func (m *MemoryStore) Claim(_ context.Context, id, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != StatusPending {
		return false, nil
	}
	t := now
	it.Status = StatusProcessing
	it.LockedAt = &t
	it.LockedBy = workerID
	it.Attempts++
	it.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Complete(_ context.Context, id, workerID, resultID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.held(id, workerID)
	if err != nil {
		return err
	}
	t := now
	it.Status = StatusCompleted
	it.ResultID = resultID
	it.LockedAt, it.LockedBy = nil, ""
	it.CompletedAt = &t
	it.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Requeue(_ context.Context, id, workerID, msg string, now time.Time) error {
	return m.setStatus(id, workerID, StatusPending, msg, now)
}

func (m *MemoryStore) Park(_ context.Context, id, workerID, msg string, now time.Time) error {
	return m.setStatus(id, workerID, StatusFailed, msg, now)
}

// held returns the item if workerID still owns its lock. Callers hold m.mu.
func (m *MemoryStore) held(id, workerID string) (*Item, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != StatusProcessing || it.LockedBy != workerID {
		return nil, ErrLockLost
	}
	return it, nil
}

func (m *MemoryStore) setStatus(id, workerID string, st Status, msg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.held(id, workerID)
	if err != nil {
		return err
	}
	it.Status = st
	it.ErrorMessage = msg
	it.LockedAt, it.LockedBy = nil, ""
	it.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ReleaseStale(_ context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released, parked := 0, 0
	for _, it := range m.items {
		if it.Status != StatusProcessing || it.LockedAt == nil || !it.LockedAt.Before(cutoff) {
			continue
		}
		if it.Attempts >= maxAttempts {
			it.Status = StatusFailed
			it.ErrorMessage = StaleMessage(it.LockedBy)
			parked++
		} else {
			it.Status = StatusPending
			released++
		}
		it.LockedAt, it.LockedBy = nil, ""
		it.UpdatedAt = now
	}
	return released, parked, nil
}

func (m *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	var oldest time.Time
	for _, it := range m.items {
		st.Total++
		switch it.Status {
		case StatusPending:
			st.Pending++
			if oldest.IsZero() || it.CreatedAt.Before(oldest) {
				oldest = it.CreatedAt
			}
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	if !oldest.IsZero() {
		st.OldestPendingAgeSec = int64(now.Sub(oldest).Seconds())
	}
	return st, nil
}

func (m *MemoryStore) DeleteCompleted(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, it := range m.items {
		if it.Status == StatusCompleted && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

// StaleMessage is recorded on items parked by the stale sweep.
func StaleMessage(worker string) string {
	return "lock expired on final attempt (worker " + worker + ")"
}
