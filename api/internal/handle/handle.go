package handle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"homework-grader/api/internal/difficulty"
	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/prompts"
	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/queue"
	"homework-grader/api/internal/store"
)

type Queue interface {
	Enqueue(ctx context.Context, submissionID, projectID string, priority int) (string, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Cleanup(ctx context.Context, daysOld int) (int, error)
}

type Submissions interface {
	Create(ctx context.Context, s store.Submission) (string, error)
}

type Results interface {
	Latest(ctx context.Context, submissionID string) (grading.Result, error)
}

type Grader interface {
	Grade(ctx context.Context, req grading.Request) (grading.Result, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, ref, mimeHint string) (provider.Image, error)
}

type Handle struct {
	queue      Queue
	subs       Submissions
	results    Results
	grader     Grader
	fetch      Fetcher
	prompts    *prompts.Store
	classifier *difficulty.Classifier
	validate   *validator.Validate
}

type Deps struct {
	Queue       Queue
	Submissions Submissions
	Results     Results
	Grader      Grader
	Fetcher     Fetcher
	Prompts     *prompts.Store
	Classifier  *difficulty.Classifier
}

func New(d Deps) *Handle {
	h := &Handle{
		queue:      d.Queue,
		subs:       d.Submissions,
		results:    d.Results,
		grader:     d.Grader,
		fetch:      d.Fetcher,
		prompts:    d.Prompts,
		classifier: d.Classifier,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
	if h.prompts == nil {
		h.prompts = prompts.Default()
	}
	if h.classifier == nil {
		h.classifier = difficulty.New(nil)
	}
	return h
}

func (h *Handle) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", healthHandler)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/queue", h.Enqueue)
		r.Get("/queue/stats", h.QueueStats)
		r.Get("/results/{submission_id}", h.LatestResult)
		r.Post("/queue/cleanup", h.Cleanup)
		r.Post("/grade", h.Grade)
		r.Post("/compare", h.Compare)
		r.Post("/classify", h.Classify)
		r.Put("/prompts/{name}/{kind}", h.UpdatePrompt)
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// decode reads a JSON body (4 MiB default cap) and runs struct validation on it.
func (h *Handle) decode(r *http.Request, limit int64, v any) error {
	if limit <= 0 {
		limit = 4 << 20
	}
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(v); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid request: %s", strings.Join(parts, ", "))
		}
		return err
	}
	return nil
}

// requestDeadline honours X-Request-Timeout (seconds), then ?timeoutSec=, else def.
func requestDeadline(r *http.Request, def time.Duration) time.Duration {
	for _, ts := range []string{r.Header.Get("X-Request-Timeout"), r.URL.Query().Get("timeoutSec")} {
		if ts == "" {
			continue
		}
		if v, _ := strconv.Atoi(ts); v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return def
}
