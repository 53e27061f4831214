// Package conflict compares the OCR and vision readings of one problem. A disagreement in the
// numerals, operators or variables is a reading conflict; it is surfaced as ranked interpretation
// options for a human and never resolved automatically.
package conflict

import (
	"context"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/verify"
)

const (
	SourceVision = "vision"
	SourceOCR    = "ocr"
	maxOptions   = 2
)

type Reading struct {
	Source     string
	Text       string
	Confidence float64
}

type Option struct {
	Source         string  `json:"source"`
	Confidence     float64 `json:"confidence"`
	ComputedAnswer string  `json:"computed_answer,omitempty"`
	Transcription  string  `json:"transcription,omitempty"`
	Note           string  `json:"note,omitempty"`
}

type Result struct {
	HasConflict bool     `json:"has_conflict"`
	VisionCore  string   `json:"vision_core,omitempty"`
	OCRCore     string   `json:"ocr_core,omitempty"`
	Options     []Option `json:"options,omitempty"`
}

var (
	glyphs       = strings.NewReplacer("×", "*", "·", "*", "∙", "*", "÷", "/", "−", "-", "–", "-", "—", "-")
	reSpaces     = regexp.MustCompile(`\s+`)
	reTimesX     = regexp.MustCompile(`(\d)\s+x\s+(\d)`)
	reThousands  = regexp.MustCompile(`(\d),(\d{3})\b`)
	reBareParen  = regexp.MustCompile(`\((-?\d+(?:\.\d+)?)\)`)
	reCoreTokens = regexp.MustCompile(`\d+(?:\.\d+)?|[-+*/=^()<>%]|[a-z]+`)
)

// Normalize lower-cases, unifies operator glyphs and drops all whitespace.
func Normalize(s string) string {
	return reSpaces.ReplaceAllString(unify(s), "")
}

// unify also rewrites LaTeX (Mathpix output) into plain arithmetic so both readings share a notation.
func unify(s string) string {
	s = strings.ToLower(verify.NormalizeExpression(s))
	s = reTimesX.ReplaceAllString(s, "$1*$2")
	return glyphs.Replace(s)
}

// Core keeps numerals, operators and single-letter variables; words and punctuation are dropped.
func Core(s string) string {
	s = unify(s)
	for reThousands.MatchString(s) {
		s = reThousands.ReplaceAllString(s, "$1$2")
	}
	// (3)/(4) from a LaTeX fraction reads the same as 3/4
	s = reBareParen.ReplaceAllString(s, "$1")
	var b strings.Builder
	for _, tok := range reCoreTokens.FindAllString(s, -1) {
		if tok[0] >= 'a' && tok[0] <= 'z' && len(tok) > 1 {
			continue
		}
		b.WriteString(tok)
	}
	return b.String()
}

// Differ reports a reading conflict: the normalized strings differ and so do their cores.
func Differ(a, b string) bool {
	if Normalize(a) == Normalize(b) {
		return false
	}
	return Core(a) != Core(b)
}

type Detector struct {
	solver provider.Solver
}

// NewDetector: solver may be nil, in which case options carry no computed answer.
func NewDetector(solver provider.Solver) *Detector {
	return &Detector{solver: solver}
}

func (d *Detector) Detect(ctx context.Context, vision, ocr Reading) Result {
	if strings.TrimSpace(ocr.Text) == "" || strings.TrimSpace(vision.Text) == "" {
		return Result{}
	}
	res := Result{VisionCore: Core(vision.Text), OCRCore: Core(ocr.Text)}
	if Normalize(vision.Text) == Normalize(ocr.Text) || res.VisionCore == res.OCRCore {
		return res
	}
	res.HasConflict = true

	if vision.Source == "" {
		vision.Source = SourceVision
	}
	if ocr.Source == "" {
		ocr.Source = SourceOCR
	}
	opts := []Option{d.interpret(ctx, vision)}
	// the OCR reading gets its own evaluation only when its core is usable
	if res.OCRCore != "" {
		opts = append(opts, d.interpret(ctx, ocr))
	}
	// vision is first, so a stable sort lets it win ties
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Confidence > opts[j].Confidence })
	if len(opts) > maxOptions {
		opts = opts[:maxOptions]
	}
	res.Options = opts
	return res
}

func (d *Detector) interpret(ctx context.Context, r Reading) Option {
	opt := Option{
		Source:        r.Source,
		Confidence:    clamp01(r.Confidence),
		Transcription: strings.TrimSpace(r.Text),
	}
	if d.solver == nil {
		opt.Note = "no solver configured"
		return opt
	}
	sol, err := d.solver.Solve(ctx, verify.NormalizeExpression(r.Text))
	if err != nil {
		log.Printf("[conflict] %s reading not evaluated: %v", r.Source, err)
		opt.Note = "solver could not evaluate this reading"
		return opt
	}
	opt.ComputedAnswer = sol.Answer
	return opt
}

var reMarker = regexp.MustCompile(`(?im)^[ \t]*(?:(?:problem|question|q|#)[ \t]*(\d+)[ \t]*[.):]?[ \t]*|(\d+)[ \t]*[.)](?:[ \t]+|$))`)

// SplitProblems segments an OCR transcription by problem numbering ("1.", "2)", "#3", "Problem 4", "Q5").
// Text before the first marker is dropped; a repeated number keeps its first segment.
func SplitProblems(text string) map[int]string {
	out := map[int]string{}
	locs := reMarker.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		numText := ""
		switch {
		case loc[2] >= 0:
			numText = text[loc[2]:loc[3]]
		case loc[4] >= 0:
			numText = text[loc[4]:loc[5]]
		}
		n, err := strconv.Atoi(numText)
		if err != nil || n <= 0 {
			continue
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(text[loc[1]:end])
		if _, dup := out[n]; dup || body == "" {
			continue
		}
		out[n] = body
	}
	return out
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}
