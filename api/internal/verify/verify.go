// Package verify picks and runs a verification strategy for one graded problem.
//
//	simple   -> none, confidence 0.85, no external call
//	moderate -> self-check (a fresh model call re-derives the answer)
//	complex  -> symbolic solver when configured, else self-check
//
// Verification never fails grading: every failure degrades to matched=true with reduced confidence.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"homework-grader/api/internal/compare"
	"homework-grader/api/internal/difficulty"
	"homework-grader/api/internal/prompts"
	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"
)

type Method string

const (
	MethodSolver    Method = "solver"
	MethodSelfCheck Method = "self-check"
	MethodNone      Method = "none"
)

const (
	SimpleConfidence      = 0.85
	UnverifiedConfidence  = 0.7
	UnparseableConfidence = 0.75
	SolverMatchConfidence = 0.95
	ConflictConfidence    = 0.4
	defaultSelfConfidence = 0.85
)

var (
	ErrSolverUnavailable  = errors.New("solver unavailable")
	ErrUnparseableVerdict = errors.New("unparseable self-check verdict")
)

type Result struct {
	Method             Method           `json:"method"`
	OriginalAnswer     string           `json:"original_answer"`
	VerificationAnswer string           `json:"verification_answer,omitempty"`
	Matched            bool             `json:"matched"`
	Conflict           bool             `json:"conflict"`
	Confidence         float64          `json:"confidence"`
	Difficulty         difficulty.Level `json:"difficulty"`
	CompareMethod      compare.Method   `json:"compare_method,omitempty"`
	Detail             string           `json:"detail,omitempty"`
	// Err is the degraded failure, if any. It never reaches the caller as an error.
	Err error `json:"-"`
}

type Options struct {
	// Difficulty overrides classification when valid.
	Difficulty difficulty.Level
	// SelfCheck overrides the router's default reasoning function for this call.
	SelfCheck provider.ReasonFunc
	// NoSolver forces the self-check path for complex problems.
	NoSolver bool
}

type Router struct {
	classifier *difficulty.Classifier
	solver     provider.Solver
	selfCheck  provider.ReasonFunc
	prompts    *prompts.Store
	tolerance  float64
}

// NewRouter: solver and selfCheck may be nil. A nil store uses the embedded prompts.
func NewRouter(classifier *difficulty.Classifier, solver provider.Solver, selfCheck provider.ReasonFunc, store *prompts.Store) *Router {
	if classifier == nil {
		classifier = difficulty.New(nil)
	}
	if store == nil {
		store = prompts.Default()
	}
	return &Router{
		classifier: classifier,
		solver:     solver,
		selfCheck:  selfCheck,
		prompts:    store,
		tolerance:  compare.DefaultTolerance,
	}
}

func (r *Router) HasSolver() bool { return r.solver != nil }

func (r *Router) Verify(ctx context.Context, problemText, claimedAnswer string, opts Options) Result {
	level := opts.Difficulty
	if !level.Valid() {
		level = r.classifier.Level(problemText)
	}
	selfCheck := opts.SelfCheck
	if selfCheck == nil {
		selfCheck = r.selfCheck
	}

	var res Result
	switch level {
	case difficulty.Simple:
		res = Result{Method: MethodNone, Matched: true, Confidence: SimpleConfidence, Detail: "simple problem, not verified"}
	case difficulty.Moderate:
		res = r.runSelfCheck(ctx, problemText, claimedAnswer, selfCheck)
	default:
		if r.solver != nil && !opts.NoSolver {
			res = r.runSolver(ctx, problemText, claimedAnswer, selfCheck)
		} else {
			res = r.runSelfCheck(ctx, problemText, claimedAnswer, selfCheck)
		}
	}
	res.OriginalAnswer = claimedAnswer
	res.Difficulty = level
	return res
}

func (r *Router) runSolver(ctx context.Context, problemText, claimed string, selfCheck provider.ReasonFunc) Result {
	expr := NormalizeExpression(problemText)
	sol, err := r.solver.Solve(ctx, expr)
	if err == nil && strings.TrimSpace(sol.Answer) == "" {
		err = provider.ErrUninterpretable
	}
	if err != nil {
		reason := solverFailure(r.solver.Name(), err)
		log.Printf("[verify] %s for %q: %v", reason, expr, err)
		if selfCheck != nil {
			res := r.runSelfCheck(ctx, problemText, claimed, selfCheck)
			res.Detail = joinDetail(reason+"; fell back to self-check", res.Detail)
			if res.Err == nil {
				res.Err = fmt.Errorf("%w: %v", ErrSolverUnavailable, err)
			}
			return res
		}
		return Result{
			Method:     MethodNone,
			Matched:    true,
			Confidence: UnverifiedConfidence,
			Detail:     reason,
			Err:        fmt.Errorf("%w: %v", ErrSolverUnavailable, err),
		}
	}

	cmp := matchAnswers(claimed, sol.Answer, r.tolerance)
	res := Result{
		Method:             MethodSolver,
		VerificationAnswer: sol.Answer,
		Matched:            cmp.Matched,
		Conflict:           !cmp.Matched,
		CompareMethod:      cmp.Method,
		Confidence:         SolverMatchConfidence,
	}
	if res.Conflict {
		res.Confidence = ConflictConfidence
		res.Detail = fmt.Sprintf("solver computed %q, grader computed %q", sol.Answer, claimed)
	}
	return res
}

func solverFailure(name string, err error) string {
	if errors.Is(err, provider.ErrUninterpretable) {
		return name + " could not interpret the problem"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return name + " timed out"
	}
	return name + " unavailable"
}

type verdict struct {
	Answer      util.FlexString `json:"answer"`
	Matches     *bool           `json:"matches"`
	Confidence  *util.FlexFloat `json:"confidence"`
	Discrepancy string          `json:"discrepancy"`
}

type promptData struct {
	Problem       string
	ClaimedAnswer string
}

func (r *Router) runSelfCheck(ctx context.Context, problemText, claimed string, fn provider.ReasonFunc) Result {
	if fn == nil {
		return Result{
			Method:     MethodNone,
			Matched:    true,
			Confidence: UnverifiedConfidence,
			Detail:     "no verifier available",
		}
	}

	variant := PromptVariant(problemText)
	prompt, err := r.prompts.Render(variant, prompts.User, promptData{Problem: problemText, ClaimedAnswer: claimed})
	if err != nil {
		return Result{Method: MethodSelfCheck, Matched: true, Confidence: UnverifiedConfidence, Detail: "self-check prompt: " + err.Error(), Err: err}
	}

	raw, err := fn(ctx, prompt)
	if err != nil {
		log.Printf("[verify] self-check call failed: %v", err)
		return Result{
			Method:     MethodSelfCheck,
			Matched:    true,
			Confidence: UnverifiedConfidence,
			Detail:     "self-check unavailable",
			Err:        err,
		}
	}

	var v verdict
	if _, err := util.DecodeLenient(raw, &v); err != nil || (strings.TrimSpace(v.Answer.String()) == "" && v.Matches == nil) {
		if err == nil {
			err = errors.New("verdict has neither answer nor matches")
		}
		return Result{
			Method:     MethodSelfCheck,
			Matched:    true,
			Confidence: UnparseableConfidence,
			Detail:     "self-check verdict could not be parsed",
			Err:        fmt.Errorf("%w: %v", ErrUnparseableVerdict, err),
		}
	}

	conf := defaultSelfConfidence
	if v.Confidence != nil {
		conf = clamp01(float64(*v.Confidence))
	}
	res := Result{
		Method:             MethodSelfCheck,
		VerificationAnswer: strings.TrimSpace(v.Answer.String()),
		Detail:             strings.TrimSpace(v.Discrepancy),
	}

	if res.VerificationAnswer == "" {
		// no answer to compare: trust the verdict flag but never raise a conflict
		res.Matched = *v.Matches
		res.Confidence = conf
		if !res.Matched {
			res.Confidence = min(conf, UnverifiedConfidence)
		}
		return res
	}

	cmp := matchAnswers(claimed, res.VerificationAnswer, r.tolerance)
	res.CompareMethod = cmp.Method
	res.Matched = cmp.Matched
	res.Conflict = !cmp.Matched
	res.Confidence = conf
	if res.Conflict {
		res.Confidence = min(conf, ConflictConfidence)
		if res.Detail == "" {
			res.Detail = fmt.Sprintf("self-check computed %q, grader computed %q", res.VerificationAnswer, claimed)
		}
	}
	return res
}

var (
	reAlgebraic = regexp.MustCompile(`(?i)\bsolve\b|\bequation\b|\d[a-z]\b|\b[xyz]\b|\bsimplify\b|\bfactor`)
	reWord      = regexp.MustCompile(`(?i)\bhow\s+(many|much|long|far|old)\b|\b(total|altogether|each|left|remain\w*|bought|costs?|spent|shared?|per)\b`)
	reLetters   = regexp.MustCompile(`[a-zA-Z]{3,}`)
)

// PromptVariant picks the self-check prompt: algebraic, word problem or general.
func PromptVariant(problemText string) string {
	switch {
	case reAlgebraic.MatchString(problemText):
		return prompts.VerifyAlgebraic
	case reWord.MatchString(problemText), len(reLetters.FindAllString(problemText, -1)) >= 6:
		return prompts.VerifyWord
	}
	return prompts.VerifyGeneral
}

var reSolutionSep = regexp.MustCompile(`\s*(?:,|;|\bor\b|\band\b)\s*`)

// matchAnswers compares whole answers first, then solution sets ("x = 3 or x = -3" vs "-3, 3").
func matchAnswers(claimed, verified string, tol float64) compare.Result {
	whole := compare.Compare(claimed, verified, tol)
	if whole.Matched {
		return whole
	}
	cs := splitSolutions(claimed)
	vs := splitSolutions(verified)
	if len(cs) < 2 || len(cs) != len(vs) {
		return whole
	}
	used := make([]bool, len(vs))
	var last compare.Result
	for _, c := range cs {
		found := false
		for i, v := range vs {
			if used[i] {
				continue
			}
			if last = compare.Compare(c, v, tol); last.Matched {
				used[i], found = true, true
				break
			}
		}
		if !found {
			return whole
		}
	}
	last.NormalizedA, last.NormalizedB = whole.NormalizedA, whole.NormalizedB
	return last
}

func splitSolutions(s string) []string {
	var out []string
	for _, p := range reSolutionSep.Split(strings.TrimSpace(s), -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinDetail(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}
