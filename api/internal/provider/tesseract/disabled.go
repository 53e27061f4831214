//go:build !tesseract

package tesseract

import (
	"context"
	"fmt"

	"homework-grader/api/internal/provider"
)

// Engine without the tesseract build tag reports itself as not configured.
type Engine struct {
	Langs []string
}

func New(langs ...string) *Engine { return &Engine{Langs: langs} }

func (e *Engine) Name() string { return "tesseract" }

func (e *Engine) Recognize(context.Context, provider.Image) (provider.OCRResult, error) {
	return provider.OCRResult{}, fmt.Errorf("built without -tags tesseract: %w", provider.ErrNotConfigured)
}
