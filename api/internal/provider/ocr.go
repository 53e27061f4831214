package provider

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

// OCRChain tries each engine in order and returns the first non-empty transcription.
type OCRChain struct {
	engines []OCR
	timeout time.Duration
}

func NewOCRChain(engines ...OCR) *OCRChain {
	c := &OCRChain{timeout: DefaultTimeout}
	for _, e := range engines {
		if e != nil {
			c.engines = append(c.engines, e)
		}
	}
	return c
}

func (c *OCRChain) Name() string {
	names := make([]string, 0, len(c.engines))
	for _, e := range c.engines {
		names = append(names, e.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *OCRChain) Len() int { return len(c.engines) }

func (c *OCRChain) Recognize(ctx context.Context, img Image) (OCRResult, error) {
	if len(c.engines) == 0 {
		return OCRResult{}, ErrNotConfigured
	}
	var errs []error
	for _, e := range c.engines {
		callCtx, cancel := WithTimeout(ctx, c.timeout)
		res, err := e.Recognize(callCtx, img)
		cancel()
		if err == nil && strings.TrimSpace(res.Text) != "" {
			res.Provider = e.Name()
			return res, nil
		}
		if err == nil {
			err = errors.New("empty transcription")
		}
		log.Printf("[ocr] %s: %v", e.Name(), err)
		errs = append(errs, FromTransport(e.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return OCRResult{}, errors.Join(errs...)
}
