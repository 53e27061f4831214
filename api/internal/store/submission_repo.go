package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/queue"
)

type Submission struct {
	ID        string                   `json:"id"`
	ProjectID string                   `json:"project_id"`
	StudentID string                   `json:"student_id,omitempty"`
	// ImageRef is an http(s) URL, a data: URL or raw base64.
	ImageRef  string                   `json:"image_ref"`
	ImageMIME string                   `json:"image_mime,omitempty"`
	AnswerKey []grading.AnswerKeyEntry `json:"answer_key,omitempty"`
	Options   grading.Options          `json:"options"`
	Status    string                   `json:"status"`
	ResultID  string                   `json:"result_id,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
}

type SubmissionRepo struct{ DB *sql.DB }

func NewSubmissionRepo(db *sql.DB) *SubmissionRepo { return &SubmissionRepo{DB: db} }

// Create stores a new submission and returns its id (generated when empty).
func (r *SubmissionRepo) Create(ctx context.Context, s Submission) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	key, _ := json.Marshal(s.AnswerKey)
	opts, _ := json.Marshal(s.Options)
	const q = `
insert into submissions (id, project_id, student_id, image_ref, image_mime, answer_key, options, status)
values ($1,$2,$3,$4,$5,$6,$7,'new')`
	if _, err := r.DB.ExecContext(ctx, q, s.ID, s.ProjectID, s.StudentID, s.ImageRef, s.ImageMIME, key, opts); err != nil {
		return "", mapErr(err)
	}
	return s.ID, nil
}

func (r *SubmissionRepo) Get(ctx context.Context, id string) (Submission, error) {
	const q = `
select id, project_id, student_id, image_ref, image_mime,
       coalesce(answer_key, 'null'::jsonb), coalesce(options, '{}'::jsonb),
       status, coalesce(result_id,''), created_at
from submissions
where id = $1`
	var (
		s         Submission
		key, opts []byte
	)
	err := r.DB.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.ProjectID, &s.StudentID, &s.ImageRef, &s.ImageMIME,
		&key, &opts, &s.Status, &s.ResultID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, queue.ErrNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	// a broken key is treated as absent; grading never depends on it
	_ = json.Unmarshal(key, &s.AnswerKey)
	_ = json.Unmarshal(opts, &s.Options)
	return s, nil
}

// MarkGraded links the submission to its stored result.
func (r *SubmissionRepo) MarkGraded(ctx context.Context, id, status, resultID string) error {
	const q = `update submissions set status = $2, result_id = $3, updated_at = now() where id = $1`
	res, err := r.DB.ExecContext(ctx, q, id, status, nullString(resultID))
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return queue.ErrNotFound
	}
	return nil
}
