// Package queue is the submission processing queue. Workers claim items with a compare-and-swap
// on status; a crashed worker's claim is swept back to pending once its lock is stale.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	MaxAttempts = 3
	LockTimeout = 5 * time.Minute

	// maxRaceLosses bounds re-selection when other workers keep winning the claim.
	maxRaceLosses = 10
)

var (
	ErrNotFound = errors.New("queue item not found")
	// ErrExhausted is returned by MarkFailed when the item was parked as failed for good.
	ErrExhausted = errors.New("queue item exhausted its attempts")
	// ErrLockLost means the caller no longer holds the item: its lock went stale and was released
	// or claimed by another worker. The caller must drop the job without retrying.
	ErrLockLost = errors.New("queue lock no longer held")
	// errRaceLost is internal: another worker claimed the selected item first.
	errRaceLost = errors.New("lost claim race")
)

type Item struct {
	ID           string     `json:"id" dynamodbav:"id"`
	SubmissionID string     `json:"submission_id" dynamodbav:"submission_id"`
	ProjectID    string     `json:"project_id" dynamodbav:"project_id"`
	Priority     int        `json:"priority" dynamodbav:"priority"`
	Status       Status     `json:"status" dynamodbav:"status"`
	Attempts     int        `json:"attempts" dynamodbav:"attempts"`
	LockedAt     *time.Time `json:"locked_at,omitempty" dynamodbav:"locked_at,omitempty,unixtime"`
	LockedBy     string     `json:"locked_by,omitempty" dynamodbav:"locked_by,omitempty"`
	ResultID     string     `json:"result_id,omitempty" dynamodbav:"result_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at" dynamodbav:"created_at,unixtime"`
	UpdatedAt    time.Time  `json:"updated_at" dynamodbav:"updated_at,unixtime"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" dynamodbav:"completed_at,omitempty,unixtime"`
}

type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
	// OldestPendingAgeSec is 0 when nothing is pending.
	OldestPendingAgeSec int64 `json:"oldest_pending_age_sec"`
}

// Store is the job table. Claim must be atomic: it succeeds only while the row is still pending.
type Store interface {
	Insert(ctx context.Context, it Item) error
	Get(ctx context.Context, id string) (Item, error)
	// NextPending returns the oldest pending item below maxAttempts, by priority desc then created_at asc.
	NextPending(ctx context.Context, maxAttempts int) (Item, error)
	// Claim sets processing/locked_at/locked_by and increments attempts if status is still pending.
	Claim(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	// Complete, Requeue and Park apply only while the item is processing and locked by workerID.
	// They return ErrLockLost otherwise, and ErrNotFound when the item does not exist.
	Complete(ctx context.Context, id, workerID, resultID string, now time.Time) error
	// Requeue returns a processing item to pending with its lock cleared and msg recorded.
	Requeue(ctx context.Context, id, workerID, msg string, now time.Time) error
	// Park marks the item failed for good.
	Park(ctx context.Context, id, workerID, msg string, now time.Time) error
	// ReleaseStale requeues processing items locked before cutoff; those already at
	// maxAttempts are parked instead.
	ReleaseStale(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (released, parked int, err error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	// DeleteCompleted removes completed items finished before cutoff.
	DeleteCompleted(ctx context.Context, cutoff time.Time) (int, error)
}

type Service struct {
	store       Store
	now         func() time.Time
	maxAttempts int
	lockTimeout time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: MaxAttempts,
		lockTimeout: LockTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) MaxAttempts() int { return s.maxAttempts }

func (s *Service) Enqueue(ctx context.Context, submissionID, projectID string, priority int) (string, error) {
	if strings.TrimSpace(submissionID) == "" {
		return "", errors.New("submission id is required")
	}
	now := s.now()
	it := Item{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		ProjectID:    projectID,
		Priority:     priority,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, it); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", submissionID, err)
	}
	log.Printf("[queue] enqueued job=%s submission=%s priority=%d", it.ID, submissionID, priority)
	return it.ID, nil
}

// LockNext claims the next item for workerID. It returns (nil, nil) when nothing is claimable.
// A lost claim race restarts the selection from scratch.
func (s *Service) LockNext(ctx context.Context, workerID string) (*Item, error) {
	for losses := 0; losses < maxRaceLosses; losses++ {
		it, err := s.tryLock(ctx, workerID)
		switch {
		case err == nil:
			return it, nil
		case errors.Is(err, ErrNotFound):
			return nil, nil
		case errors.Is(err, errRaceLost):
			continue
		default:
			return nil, err
		}
	}
	log.Printf("[queue] worker=%s lost %d claim races in a row, backing off", workerID, maxRaceLosses)
	return nil, nil
}

func (s *Service) tryLock(ctx context.Context, workerID string) (*Item, error) {
	cand, err := s.store.NextPending(ctx, s.maxAttempts)
	if err != nil {
		return nil, err
	}
	now := s.now()
	won, err := s.store.Claim(ctx, cand.ID, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", cand.ID, err)
	}
	if !won {
		return nil, errRaceLost
	}
	cand.Status = StatusProcessing
	cand.Attempts++
	cand.LockedAt = &now
	cand.LockedBy = workerID
	cand.UpdatedAt = now
	return &cand, nil
}

// MarkCompleted settles an item held by workerID. A worker whose lock was released gets ErrLockLost.
func (s *Service) MarkCompleted(ctx context.Context, id, workerID, resultID string) error {
	if err := s.store.Complete(ctx, id, workerID, resultID, s.now()); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// MarkFailed requeues the item while attempts remain, otherwise parks it and returns ErrExhausted.
// The message is always recorded. Only the lock holder may fail an item; others get ErrLockLost.
func (s *Service) MarkFailed(ctx context.Context, id, workerID, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "unknown error"
	}
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	if it.Status != StatusProcessing || it.LockedBy != workerID {
		return fmt.Errorf("fail %s by %s: %w", id, workerID, ErrLockLost)
	}
	now := s.now()
	if it.Attempts < s.maxAttempts {
		if err := s.store.Requeue(ctx, id, workerID, message, now); err != nil {
			return fmt.Errorf("requeue %s: %w", id, err)
		}
		log.Printf("[queue] job=%s attempt %d/%d failed, requeued: %s", id, it.Attempts, s.maxAttempts, message)
		return nil
	}
	if err := s.store.Park(ctx, id, workerID, message, now); err != nil {
		return fmt.Errorf("park %s: %w", id, err)
	}
	log.Printf("[queue] job=%s failed permanently after %d attempts: %s", id, it.Attempts, message)
	return fmt.Errorf("%w: job %s after %d attempts", ErrExhausted, id, it.Attempts)
}

// ReleaseStale must run before each batch of LockNext calls.
func (s *Service) ReleaseStale(ctx context.Context) (int, error) {
	now := s.now()
	released, parked, err := s.store.ReleaseStale(ctx, now.Add(-s.lockTimeout), s.maxAttempts, now)
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	if released > 0 || parked > 0 {
		log.Printf("[queue] stale locks: %d released, %d parked", released, parked)
	}
	return released, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx, s.now())
}

// Cleanup deletes completed items older than daysOld days.
func (s *Service) Cleanup(ctx context.Context, daysOld int) (int, error) {
	if daysOld <= 0 {
		return 0, errors.New("daysOld must be > 0")
	}
	n, err := s.store.DeleteCompleted(ctx, s.now().AddDate(0, 0, -daysOld))
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		log.Printf("[queue] cleanup removed %d completed items older than %d days", n, daysOld)
	}
	return n, nil
}
