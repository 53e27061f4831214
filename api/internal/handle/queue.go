package handle

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/queue"
	"homework-grader/api/internal/store"
)

type EnqueueRequest struct {
	// SubmissionID enqueues an existing submission; otherwise one is created from the fields below.
	SubmissionID string                   `json:"submission_id"`
	ProjectID    string                   `json:"project_id"`
	StudentID    string                   `json:"student_id"`
	Image        string                   `json:"image" validate:"required_without=SubmissionID"`
	ImageMIME    string                   `json:"image_mime"`
	AnswerKey    []grading.AnswerKeyEntry `json:"answer_key" validate:"omitempty,dive"`
	Options      grading.Options          `json:"options"`
	Priority     int                      `json:"priority" validate:"gte=0,lte=100"`
}

type EnqueueResponse struct {
	JobID        string `json:"job_id"`
	SubmissionID string `json:"submission_id"`
}

func (h *Handle) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := h.decode(r, 32<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	subID := req.SubmissionID
	if subID == "" {
		id, err := h.subs.Create(r.Context(), store.Submission{
			ProjectID: req.ProjectID,
			StudentID: req.StudentID,
			ImageRef:  req.Image,
			ImageMIME: req.ImageMIME,
			AnswerKey: req.AnswerKey,
			Options:   req.Options,
		})
		if err != nil {
			log.Printf("[api] create submission: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to store submission")
			return
		}
		subID = id
	}

	jobID, err := h.queue.Enqueue(r.Context(), subID, req.ProjectID, req.Priority)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrDuplicate) {
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{JobID: jobID, SubmissionID: subID})
}

func (h *Handle) QueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handle) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	n, err := h.queue.Cleanup(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n, "days": days})
}

func (h *Handle) LatestResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "submission_id")
	res, err := h.results.Latest(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no result for submission "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
