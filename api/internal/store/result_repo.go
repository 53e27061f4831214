package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"

	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/queue"
)

type ResultRepo struct{ DB *sql.DB }

func NewResultRepo(db *sql.DB) *ResultRepo { return &ResultRepo{DB: db} }

func (r *ResultRepo) Name() string { return "postgres" }

// Save inserts the result and returns the new row id.
func (r *ResultRepo) Save(ctx context.Context, res grading.Result) (string, error) {
	js, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	const q = `
insert into grading_results (submission_id, success, total_score, total_possible, percentage,
                             needs_review, review_reason, provider, result_json)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
returning id`
	var id int64
	if err := r.DB.QueryRowContext(ctx, q, res.SubmissionID, res.Success, res.TotalScore, res.TotalPossible,
		res.Percentage, res.NeedsReview, nullString(res.ReviewReason), nullString(res.Provider), js).Scan(&id); err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Latest returns the most recent result for a submission.
func (r *ResultRepo) Latest(ctx context.Context, submissionID string) (grading.Result, error) {
	const q = `select result_json from grading_results where submission_id = $1 order by created_at desc limit 1`
	var js []byte
	if err := r.DB.QueryRowContext(ctx, q, submissionID).Scan(&js); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return grading.Result{}, queue.ErrNotFound
		}
		return grading.Result{}, err
	}
	var res grading.Result
	if err := json.Unmarshal(js, &res); err != nil {
		return grading.Result{}, err
	}
	return res, nil
}
