//go:build tesseract

// Package tesseract is a local OCR fallback. It links libtesseract through cgo,
// so it is only compiled with -tags tesseract.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"homework-grader/api/internal/provider"

	"github.com/otiai10/gosseract/v2"
)

type Engine struct {
	Langs         []string
	clientFactory func() *gosseract.Client
}

func New(langs ...string) *Engine {
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	return &Engine{Langs: langs, clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract" }

func (e *Engine) Recognize(ctx context.Context, img provider.Image) (provider.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.OCRResult{}, err
	}
	if len(img.Data) == 0 {
		return provider.OCRResult{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("image bytes required")}
	}
	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(img.Data); err != nil {
		return provider.OCRResult{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("set image: %w", err)}
	}
	if err := c.SetLanguage(e.Langs...); err != nil {
		return provider.OCRResult{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("set languages: %w", err)}
	}
	text, err := c.Text()
	if err != nil {
		return provider.OCRResult{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("recognize text: %w", err)}
	}
	return provider.OCRResult{
		Provider:   e.Name(),
		Text:       strings.TrimSpace(text),
		Confidence: averageConfidence(c),
	}, nil
}

// averageConfidence is the mean word confidence scaled to 0..1.
func averageConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
