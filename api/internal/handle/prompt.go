package handle

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type UpdatePromptRequest struct {
	Text string `json:"text" validate:"required"`
}

type UpdatePromptResponse struct {
	OK      bool   `json:"ok"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
	Updated string `json:"updated"`
}

// UpdatePrompt persists a prompt override into PROMPT_DIR/<name>.<kind>.txt and reloads the store.
func (h *Handle) UpdatePrompt(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "name"))
	kind := strings.ToLower(chi.URLParam(r, "kind"))
	// callers sometimes pass the file name
	name = strings.TrimSuffix(name, ".txt")

	var req UpdatePromptRequest
	if err := h.decode(r, 0, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, err := h.prompts.Save(name, kind, req.Text)
	if err != nil {
		code := http.StatusBadRequest
		if h.prompts.Dir() != "" && path != "" {
			// written but the reload failed
			code = http.StatusInternalServerError
		}
		writeError(w, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, UpdatePromptResponse{
		OK:      true,
		Name:    name,
		Kind:    kind,
		Path:    path,
		Size:    len(req.Text),
		Updated: time.Now().UTC().Format(time.RFC3339),
	})
}
