package handle

import (
	"context"
	"errors"
	"net/http"
	"time"

	"homework-grader/api/internal/blob"
	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"
)

type GradeRequest struct {
	SubmissionID string `json:"submission_id"`
	// Image is a URL, data URL or base64. Images holds several photos of one sheet, stacked top to bottom.
	Image     string                   `json:"image" validate:"required_without=Images"`
	Images    []string                 `json:"images" validate:"omitempty,max=8,dive,required"`
	ImageMIME string                   `json:"image_mime"`
	AnswerKey []grading.AnswerKeyEntry `json:"answer_key" validate:"omitempty,dive"`
	Options   grading.Options          `json:"options"`
}

// Grade runs the grading protocol synchronously; the queue is not involved.
func (h *Handle) Grade(w http.ResponseWriter, r *http.Request) {
	var req GradeRequest
	if err := h.decode(r, 64<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline(r, 180*time.Second))
	defer cancel()

	img, err := h.loadImage(ctx, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad image: "+err.Error())
		return
	}

	res, err := h.grader.Grade(ctx, grading.Request{
		SubmissionID: req.SubmissionID,
		Image:        img,
		AnswerKey:    req.AnswerKey,
		Options:      req.Options,
	})
	if err != nil {
		writeJSON(w, gradeStatus(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handle) loadImage(ctx context.Context, req GradeRequest) (provider.Image, error) {
	if len(req.Images) == 0 {
		return h.fetch.Fetch(ctx, req.Image, req.ImageMIME)
	}
	pages := make([][]byte, 0, len(req.Images))
	for _, ref := range req.Images {
		img, err := h.fetch.Fetch(ctx, ref, "")
		if err != nil {
			return provider.Image{}, err
		}
		pages = append(pages, img.Data)
	}
	if len(pages) == 1 {
		return provider.Image{Data: pages[0], MIME: util.PickMIME(req.ImageMIME, "", pages[0])}, nil
	}
	merged, err := blob.Combine(pages)
	if err != nil {
		return provider.Image{}, err
	}
	return provider.Image{Data: merged, MIME: "image/jpeg"}, nil
}

func gradeStatus(err error) int {
	var (
		exhausted *provider.ExhaustedError
		parseErr  *util.ParseError
	)
	switch {
	case errors.Is(err, grading.ErrNoImage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &exhausted), errors.As(err, &parseErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
