package handle

import (
	"net/http"

	"homework-grader/api/internal/compare"
	"homework-grader/api/internal/difficulty"
)

type CompareRequest struct {
	A          string   `json:"a" validate:"required"`
	B          string   `json:"b" validate:"required"`
	Alternates []string `json:"alternates"`
	Tolerance  float64  `json:"tolerance" validate:"gte=0"`
}

type CompareResponse struct {
	compare.Result
	// MatchedAgainst is the candidate that matched (B or one of the alternates).
	MatchedAgainst string `json:"matched_against,omitempty"`
}

func (h *Handle) Compare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := h.decode(r, 0, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Tolerance > 0 {
		res := compare.Compare(req.A, req.B, req.Tolerance)
		out := CompareResponse{Result: res}
		if res.Matched {
			out.MatchedAgainst = req.B
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	candidates := append([]string{req.B}, req.Alternates...)
	for _, c := range candidates {
		if res := compare.Compare(req.A, c, compare.DefaultTolerance); res.Matched {
			writeJSON(w, http.StatusOK, CompareResponse{Result: res, MatchedAgainst: c})
			return
		}
	}
	writeJSON(w, http.StatusOK, CompareResponse{Result: compare.Compare(req.A, req.B, compare.DefaultTolerance)})
}

type ClassifyRequest struct {
	Problems []string `json:"problems" validate:"required,min=1,max=100"`
}

type Classification struct {
	Text   string           `json:"text"`
	Level  difficulty.Level `json:"level"`
	Signal string           `json:"signal,omitempty"`
}

type ClassifyResponse struct {
	Problems []Classification `json:"problems"`
	Max      difficulty.Level `json:"max"`
}

func (h *Handle) Classify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := h.decode(r, 0, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := ClassifyResponse{Problems: make([]Classification, 0, len(req.Problems))}
	for _, p := range req.Problems {
		lvl, signal := h.classifier.Classify(p)
		out.Problems = append(out.Problems, Classification{Text: p, Level: lvl, Signal: signal})
	}
	out.Max = h.classifier.MaxDifficulty(req.Problems)
	writeJSON(w, http.StatusOK, out)
}
