// Package provider holds the contracts every vision, OCR and solver backend implements,
// plus the Manager that applies fallback ordering and retries across them.
package provider

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 60 * time.Second

type Image struct {
	Data []byte
	MIME string
	// URL is set when the provider can fetch the image itself.
	URL string
}

func (i *Image) Empty() bool { return i == nil || (len(i.Data) == 0 && i.URL == "") }

type Request struct {
	Image        *Image
	Prompt       string
	SystemPrompt string
	// Model overrides the backend's configured model.
	Model string
	// JSON asks the backend for a JSON-only response where the API supports it.
	JSON        bool
	Temperature float32
	MaxTokens   int
}

type Response struct {
	Provider   string `json:"provider"`
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// Analyzer is a vision (or text) model reachable over one call.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, req Request) (Response, error)
}

type OCRResult struct {
	Provider   string  `json:"provider"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type OCR interface {
	Name() string
	Recognize(ctx context.Context, img Image) (OCRResult, error)
}

type Solution struct {
	Provider string `json:"provider"`
	Input    string `json:"input"`
	Answer   string `json:"answer"`
}

// Solver evaluates a plain arithmetic/algebraic expression.
// It returns ErrUninterpretable when the service could not parse the input.
type Solver interface {
	Name() string
	Solve(ctx context.Context, expr string) (Solution, error)
}

// ReasonFunc is a text-only model call used for self-checks.
type ReasonFunc func(ctx context.Context, prompt string) (string, error)

// Reasoner adapts an Analyzer (or the Manager) to a ReasonFunc.
func Reasoner(a interface {
	Analyze(ctx context.Context, req Request) (Response, error)
}, system string) ReasonFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := a.Analyze(ctx, Request{Prompt: prompt, SystemPrompt: system, JSON: true})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// WithTimeout applies d (or DefaultTimeout) unless ctx already has an earlier deadline.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
