// Package grading runs the blind-grading protocol for one submission: OCR, an independent vision
// grading pass that never sees the answer key, per-question verification and reading-conflict
// checks, then totals and the review decision.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"homework-grader/api/internal/compare"
	"homework-grader/api/internal/conflict"
	"homework-grader/api/internal/difficulty"
	"homework-grader/api/internal/prompts"
	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"
	"homework-grader/api/internal/verify"
)

const (
	// ReadabilityThreshold: a question read with less confidence goes to a human.
	ReadabilityThreshold = 0.7

	defaultConfidence  = 0.8
	defaultParallelism = 4
	maxOutputTokens    = 8192
)

var ErrNoImage = errors.New("submission has no image")

// orderedAnalyzer is implemented by provider.Manager.
type orderedAnalyzer interface {
	AnalyzeWith(ctx context.Context, req provider.Request, order []string) (provider.Response, error)
}

type Orchestrator struct {
	vision     provider.Analyzer
	ocr        provider.OCR
	router     *verify.Router
	detector   *conflict.Detector
	classifier *difficulty.Classifier
	prompts    *prompts.Store

	parallelism int
	temperature float32
}

type Option func(*Orchestrator)

// WithOCR sets the OCR backend (usually a provider.OCRChain). Without it no reading conflicts are checked.
func WithOCR(o provider.OCR) Option { return func(g *Orchestrator) { g.ocr = o } }

func WithDetector(d *conflict.Detector) Option { return func(g *Orchestrator) { g.detector = d } }

func WithClassifier(c *difficulty.Classifier) Option {
	return func(g *Orchestrator) { g.classifier = c }
}

func WithPrompts(s *prompts.Store) Option { return func(g *Orchestrator) { g.prompts = s } }

// WithParallelism bounds concurrent per-question verification.
func WithParallelism(n int) Option {
	return func(g *Orchestrator) {
		if n > 0 {
			g.parallelism = n
		}
	}
}

func NewOrchestrator(vision provider.Analyzer, router *verify.Router, opts ...Option) *Orchestrator {
	g := &Orchestrator{
		vision:      vision,
		router:      router,
		parallelism: defaultParallelism,
		temperature: 0.1,
	}
	for _, o := range opts {
		o(g)
	}
	if g.classifier == nil {
		g.classifier = difficulty.New(nil)
	}
	if g.prompts == nil {
		g.prompts = prompts.Default()
	}
	if g.router == nil {
		g.router = verify.NewRouter(g.classifier, nil, nil, g.prompts)
	}
	if g.detector == nil {
		g.detector = conflict.NewDetector(nil)
	}
	return g
}

// Grade returns an error only when every vision provider failed or the grading response
// could not be decoded; the returned Result then carries Success=false and the message.
func (g *Orchestrator) Grade(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{SubmissionID: req.SubmissionID}
	fail := func(err error) (Result, error) {
		res.Error = err.Error()
		res.ProcessingTimeMs = time.Since(start).Milliseconds()
		log.Printf("[grade] submission=%s failed: %v", req.SubmissionID, err)
		return res, err
	}
	if req.Image.Empty() {
		return fail(ErrNoImage)
	}

	// (a) OCR is a hint; its failure never fails grading
	var ocrRes provider.OCRResult
	if g.ocr != nil && !req.Options.SkipOCR && len(req.Image.Data) > 0 {
		r, err := g.ocr.Recognize(ctx, req.Image)
		if err != nil {
			log.Printf("[grade] submission=%s ocr unavailable: %v", req.SubmissionID, err)
		} else {
			ocrRes = r
			res.OCRProvider = r.Provider
		}
	}

	// (b) blind grading: the answer key is not part of this call
	expected := req.Options.ExpectedProblems
	if expected <= 0 {
		expected = len(req.AnswerKey)
	}
	userPrompt, err := g.prompts.Render(prompts.Grading, prompts.User, struct {
		ExpectedProblems int
		OCRText          string
	}{expected, ocrRes.Text})
	if err != nil {
		return fail(err)
	}
	img := req.Image
	vreq := provider.Request{
		Image:        &img,
		Prompt:       userPrompt,
		SystemPrompt: g.prompts.Text(prompts.Grading, prompts.System),
		JSON:         true,
		Temperature:  g.temperature,
		MaxTokens:    maxOutputTokens,
	}
	var resp provider.Response
	if ordered, ok := g.vision.(orderedAnalyzer); ok && len(req.Options.ProviderOrder) > 0 {
		resp, err = ordered.AnalyzeWith(ctx, vreq, req.Options.ProviderOrder)
	} else {
		resp, err = g.vision.Analyze(ctx, vreq)
	}
	if err != nil {
		return fail(err)
	}
	res.Provider = resp.Provider
	res.TokensUsed = resp.TokensUsed

	var gr gradingResponse
	decoded, err := util.DecodeLenient(resp.Content, &gr)
	if err != nil {
		return fail(err)
	}
	if decoded.Rule != "as_is" {
		log.Printf("[grade] submission=%s response repaired via %s", req.SubmissionID, decoded.Rule)
	}
	if len(gr.Problems) == 0 {
		return fail(&util.ParseError{Tried: []string{decoded.Rule}, Snippet: util.ClampRunes(resp.Content, 200), Err: errors.New("no problems in grading response")})
	}

	questions := g.buildQuestions(gr.Problems, req.AnswerKey)

	// (d) per-question verification and conflict detection; results land in their own slot
	segments := conflict.SplitProblems(ocrRes.Text)
	if len(segments) == 0 && len(questions) == 1 {
		// an unnumbered page with one problem: the whole OCR text is that problem
		if text := strings.TrimSpace(ocrRes.Text); text != "" {
			segments = map[int]string{questions[0].QuestionNumber: text}
		}
	}
	eg := new(errgroup.Group)
	eg.SetLimit(g.parallelism)
	for i := range questions {
		q := &questions[i]
		eg.Go(func() error {
			g.checkQuestion(ctx, q, segments, ocrRes, req.Options)
			return nil
		})
	}
	_ = eg.Wait()

	// (e) totals and review
	for _, q := range questions {
		res.TotalScore += q.PointsAwarded
		res.TotalPossible += q.PointsPossible
	}
	if res.TotalPossible > 0 {
		res.Percentage = math.Round(res.TotalScore/res.TotalPossible*10000) / 100
	}
	res.Questions = questions
	res.Feedback = strings.TrimSpace(gr.Feedback.String())
	res.NeedsReview, res.ReviewReason = reviewDecision(questions, bool(gr.NeedsReview), gr.ReviewReason.String())
	res.Success = true
	res.ProcessingTimeMs = time.Since(start).Milliseconds()

	log.Printf("[grade] submission=%s provider=%s score=%.1f/%.1f review=%v in %dms",
		req.SubmissionID, res.Provider, res.TotalScore, res.TotalPossible, res.NeedsReview, res.ProcessingTimeMs)
	return res, nil
}

var reNumber = regexp.MustCompile(`\d+`)

func (g *Orchestrator) buildQuestions(problems []modelProblem, key []AnswerKeyEntry) []QuestionResult {
	keyByNumber := make(map[int]AnswerKeyEntry, len(key))
	for _, k := range key {
		keyByNumber[k.QuestionNumber] = k
	}

	out := make([]QuestionResult, 0, len(problems))
	seen := map[int]bool{}
	for i, p := range problems {
		n := i + 1
		if m := reNumber.FindString(p.Number.String()); m != "" {
			if v, err := strconv.Atoi(m); err == nil && v > 0 {
				n = v
			}
		}
		for seen[n] {
			n++
		}
		seen[n] = true

		q := QuestionResult{
			QuestionNumber:        n,
			ProblemText:           strings.TrimSpace(p.ProblemText.String()),
			AICalculation:         strings.TrimSpace(p.AICalculation.String()),
			AIAnswer:              strings.TrimSpace(p.AIAnswer.String()),
			StudentAnswer:         strings.TrimSpace(p.StudentAnswer.String()),
			IsCorrect:             bool(p.IsCorrect),
			Confidence:            flexOr(p.Confidence, defaultConfidence),
			ReadabilityConfidence: flexOr(p.ReadabilityConfidence, 1),
			NeedsReview:           bool(p.NeedsReview),
			ReviewReason:          strings.TrimSpace(p.ReviewReason.String()),
		}
		q.Confidence = clamp01(q.Confidence)
		q.ReadabilityConfidence = clamp01(q.ReadabilityConfidence)

		k, hasKey := keyByNumber[n]
		q.PointsPossible = 1
		switch {
		case p.PointsPossible != nil && float64(*p.PointsPossible) > 0:
			q.PointsPossible = max(1, float64(*p.PointsPossible))
		case hasKey && k.Points > 0:
			q.PointsPossible = max(1, k.Points)
		}
		if p.PointsAwarded != nil {
			q.PointsAwarded = float64(*p.PointsAwarded)
		} else if q.IsCorrect {
			q.PointsAwarded = q.PointsPossible
		}
		q.PointsAwarded = max(0, min(q.PointsAwarded, q.PointsPossible))

		// (c) the key only annotates; it never changes correctness or points
		if hasKey {
			q.AnswerKeyValue = k.CorrectAnswer
			if q.AIAnswer != "" {
				if _, ok := compare.AnyEqual(q.AIAnswer, append([]string{k.CorrectAnswer}, k.Alternates...)...); !ok {
					q.KeyDiscrepancy = true
					q.KeyNote = fmt.Sprintf("answer key says %q, grader computed %q", k.CorrectAnswer, q.AIAnswer)
				}
			}
		}
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QuestionNumber < out[j].QuestionNumber })
	return out
}

func (g *Orchestrator) checkQuestion(ctx context.Context, q *QuestionResult, segments map[int]string, ocrRes provider.OCRResult, opts Options) {
	q.DifficultyLevel = g.classifier.Level(q.ProblemText)

	switch {
	case opts.SkipVerification:
		q.VerificationMethod = verify.MethodNone
	case q.AIAnswer == "" || q.ProblemText == "":
		q.VerificationMethod = verify.MethodNone
	default:
		v := g.router.Verify(ctx, q.ProblemText, q.AIAnswer, verify.Options{Difficulty: q.DifficultyLevel})
		q.Verification = &v
		q.VerificationMethod = v.Method
		q.VerificationConflict = v.Conflict
		q.Confidence = min(q.Confidence, v.Confidence)
	}

	if seg, ok := segments[q.QuestionNumber]; ok {
		q.OCRText = seg
		c := g.detector.Detect(ctx,
			conflict.Reading{Source: conflict.SourceVision, Text: q.ProblemText, Confidence: q.ReadabilityConfidence},
			conflict.Reading{Source: conflict.SourceOCR, Text: seg, Confidence: ocrRes.Confidence},
		)
		q.HasReadingConflict = c.HasConflict
		q.InterpretationOptions = c.Options
	}

	lowReadability := q.ReadabilityConfidence < ReadabilityThreshold
	q.NeedsReview = q.NeedsReview || q.VerificationConflict || q.HasReadingConflict || lowReadability

	var reasons []string
	if q.HasReadingConflict {
		reasons = append(reasons, "OCR and vision readings disagree")
	} else if lowReadability {
		reasons = append(reasons, fmt.Sprintf("low readability (%.2f)", q.ReadabilityConfidence))
	}
	if q.VerificationConflict && q.Verification != nil {
		reasons = append(reasons, "verification conflict: "+q.Verification.Detail)
	}
	if q.ReviewReason != "" {
		reasons = append(reasons, q.ReviewReason)
	}
	q.ReviewReason = strings.Join(reasons, "; ")
}

// reviewDecision ORs every review trigger. Reasons are ordered: reading conflicts (or, without any,
// low readability), then verification conflicts, then what the model itself said.
func reviewDecision(questions []QuestionResult, modelFlag bool, modelReason string) (bool, string) {
	var reading, readability, verification, model []string
	needs := modelFlag
	for _, q := range questions {
		if q.NeedsReview {
			needs = true
		}
		if q.HasReadingConflict {
			reading = append(reading, strconv.Itoa(q.QuestionNumber))
		}
		if q.ReadabilityConfidence < ReadabilityThreshold {
			readability = append(readability, fmt.Sprintf("%d (%.2f)", q.QuestionNumber, q.ReadabilityConfidence))
		}
		if q.VerificationConflict {
			d := fmt.Sprintf("problem %d", q.QuestionNumber)
			if q.Verification != nil && q.Verification.Detail != "" {
				d += ": " + q.Verification.Detail
			}
			verification = append(verification, d)
		}
		if q.ReviewReason != "" && !q.HasReadingConflict && !q.VerificationConflict && q.ReadabilityConfidence >= ReadabilityThreshold {
			model = append(model, fmt.Sprintf("problem %d: %s", q.QuestionNumber, q.ReviewReason))
		}
	}
	if !needs {
		return false, ""
	}

	var parts []string
	if len(reading) > 0 {
		parts = append(parts, "reading conflict on problem "+strings.Join(reading, ", "))
	} else if len(readability) > 0 {
		parts = append(parts, "low readability on problem "+strings.Join(readability, ", "))
	}
	if len(verification) > 0 {
		parts = append(parts, "verification conflict on "+strings.Join(verification, "; "))
	}
	if r := strings.TrimSpace(modelReason); r != "" {
		model = append([]string{r}, model...)
	}
	parts = append(parts, model...)
	if len(parts) == 0 {
		parts = append(parts, "flagged by the grading model")
	}
	return true, strings.Join(parts, "; ")
}

func flexOr(f *util.FlexFloat, def float64) float64 {
	if f == nil {
		return def
	}
	return float64(*f)
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}
