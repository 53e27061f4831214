package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"homework-grader/api/internal/queue"
)

// PGQueue is the grading_queue table. Claim is a conditional update on status, so two workers
// racing for the same row cannot both win.
type PGQueue struct{ DB *sql.DB }

func NewPGQueue(db *sql.DB) *PGQueue { return &PGQueue{DB: db} }

const queueColumns = `id, submission_id, project_id, priority, status, attempts,
       locked_at, coalesce(locked_by,''), coalesce(result_id,''), coalesce(error_message,''),
       created_at, updated_at, completed_at`

func scanItem(row interface{ Scan(...any) error }) (queue.Item, error) {
	var (
		it                   queue.Item
		status               string
		lockedAt, completedA sql.NullTime
	)
	if err := row.Scan(&it.ID, &it.SubmissionID, &it.ProjectID, &it.Priority, &status, &it.Attempts,
		&lockedAt, &it.LockedBy, &it.ResultID, &it.ErrorMessage,
		&it.CreatedAt, &it.UpdatedAt, &completedA); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Item{}, queue.ErrNotFound
		}
		return queue.Item{}, err
	}
	it.Status = queue.Status(status)
	if lockedAt.Valid {
		t := lockedAt.Time
		it.LockedAt = &t
	}
	if completedA.Valid {
		t := completedA.Time
		it.CompletedAt = &t
	}
	return it, nil
}

func (q *PGQueue) Insert(ctx context.Context, it queue.Item) error {
	const stmt = `
insert into grading_queue (id, submission_id, project_id, priority, status, attempts, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := q.DB.ExecContext(ctx, stmt, it.ID, it.SubmissionID, it.ProjectID, it.Priority,
		string(it.Status), it.Attempts, it.CreatedAt, it.UpdatedAt)
	return mapErr(err)
}

func (q *PGQueue) Get(ctx context.Context, id string) (queue.Item, error) {
	return scanItem(q.DB.QueryRowContext(ctx, `select `+queueColumns+` from grading_queue where id = $1`, id))
}

func (q *PGQueue) NextPending(ctx context.Context, maxAttempts int) (queue.Item, error) {
	const stmt = `select ` + queueColumns + `
from grading_queue
where status = 'pending' and attempts < $1
order by priority desc, created_at asc
limit 1`
	return scanItem(q.DB.QueryRowContext(ctx, stmt, maxAttempts))
}

func (q *PGQueue) Claim(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	const stmt = `
update grading_queue
set status = 'processing', locked_at = $3, locked_by = $2, attempts = attempts + 1, updated_at = $3
where id = $1 and status = 'pending'`
	res, err := q.DB.ExecContext(ctx, stmt, id, workerID, now)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

func (q *PGQueue) Complete(ctx context.Context, id, workerID, resultID string, now time.Time) error {
	const stmt = `
update grading_queue
set status = 'completed', result_id = $3, locked_at = null, locked_by = null, completed_at = $4, updated_at = $4
where id = $1 and status = 'processing' and locked_by = $2`
	return q.settle(ctx, stmt, id, workerID, nullString(resultID), now)
}

func (q *PGQueue) Requeue(ctx context.Context, id, workerID, msg string, now time.Time) error {
	const stmt = `
update grading_queue
set status = 'pending', error_message = $3, locked_at = null, locked_by = null, updated_at = $4
where id = $1 and status = 'processing' and locked_by = $2`
	return q.settle(ctx, stmt, id, workerID, msg, now)
}

func (q *PGQueue) Park(ctx context.Context, id, workerID, msg string, now time.Time) error {
	const stmt = `
update grading_queue
set status = 'failed', error_message = $3, locked_at = null, locked_by = null, updated_at = $4
where id = $1 and status = 'processing' and locked_by = $2`
	return q.settle(ctx, stmt, id, workerID, msg, now)
}

// settle runs an update guarded by the caller's lock. No affected row means the item is gone
// or now belongs to someone else.
func (q *PGQueue) settle(ctx context.Context, stmt string, id string, args ...any) error {
	res, err := q.DB.ExecContext(ctx, stmt, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff > 0 {
		return nil
	}
	var one int
	err = q.DB.QueryRowContext(ctx, `select 1 from grading_queue where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrNotFound
	}
	if err != nil {
		return err
	}
	return queue.ErrLockLost
}

func (q *PGQueue) ReleaseStale(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, int, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const park = `
update grading_queue
set status = 'failed', error_message = 'lock expired on final attempt (worker ' || coalesce(locked_by,'') || ')',
    locked_at = null, locked_by = null, updated_at = $3
where status = 'processing' and locked_at < $1 and attempts >= $2`
	res, err := tx.ExecContext(ctx, park, cutoff, maxAttempts, now)
	if err != nil {
		return 0, 0, err
	}
	parked, _ := res.RowsAffected()

	const release = `
update grading_queue
set status = 'pending', locked_at = null, locked_by = null, updated_at = $2
where status = 'processing' and locked_at < $1`
	res, err = tx.ExecContext(ctx, release, cutoff, now)
	if err != nil {
		return 0, 0, err
	}
	released, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return int(released), int(parked), nil
}

func (q *PGQueue) Stats(ctx context.Context, now time.Time) (queue.Stats, error) {
	const stmt = `select status, count(*), min(created_at) from grading_queue group by status`
	rows, err := q.DB.QueryContext(ctx, stmt)
	if err != nil {
		return queue.Stats{}, err
	}
	defer rows.Close()

	var st queue.Stats
	for rows.Next() {
		var (
			status string
			n      int
			oldest sql.NullTime
		)
		if err := rows.Scan(&status, &n, &oldest); err != nil {
			return queue.Stats{}, err
		}
		st.Total += n
		switch queue.Status(status) {
		case queue.StatusPending:
			st.Pending = n
			if oldest.Valid {
				st.OldestPendingAgeSec = int64(now.Sub(oldest.Time).Seconds())
			}
		case queue.StatusProcessing:
			st.Processing = n
		case queue.StatusCompleted:
			st.Completed = n
		case queue.StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func (q *PGQueue) DeleteCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	const stmt = `delete from grading_queue where status = 'completed' and completed_at < $1`
	res, err := q.DB.ExecContext(ctx, stmt, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return int(aff), nil
}
