// Package mathpix reads handwritten math via the Mathpix v3/text endpoint.
package mathpix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"
)

const DefaultBaseURL = "https://api.mathpix.com"

type Engine struct {
	AppID   string
	AppKey  string
	BaseURL string
	httpc   *http.Client
}

func New(appID, appKey string) *Engine {
	return &Engine{
		AppID:   strings.TrimSpace(appID),
		AppKey:  strings.TrimSpace(appKey),
		BaseURL: DefaultBaseURL,
		httpc:   &http.Client{Timeout: provider.DefaultTimeout},
	}
}

func (e *Engine) Name() string { return "mathpix" }

type request struct {
	Src                  string   `json:"src"`
	Formats              []string `json:"formats"`
	MathInlineDelimiters []string `json:"math_inline_delimiters"`
	RmSpaces             bool     `json:"rm_spaces"`
}

type response struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
	ErrorInfo  *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"error_info"`
}

func (e *Engine) Recognize(ctx context.Context, img provider.Image) (provider.OCRResult, error) {
	if e.AppID == "" || e.AppKey == "" {
		return provider.OCRResult{}, fmt.Errorf("MATHPIX_APP_ID/KEY empty: %w", provider.ErrNotConfigured)
	}
	src := img.URL
	if len(img.Data) > 0 {
		src = util.MakeDataURL(util.PickMIME(img.MIME, "", img.Data), img.Data)
	}
	if src == "" {
		return provider.OCRResult{}, &provider.Error{Provider: e.Name(), Err: errors.New("empty image")}
	}

	payload, _ := json.Marshal(request{
		Src:                  src,
		Formats:              []string{"text"},
		MathInlineDelimiters: []string{"$", "$"},
		RmSpaces:             true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.BaseURL, "/")+"/v3/text", bytes.NewReader(payload))
	if err != nil {
		return provider.OCRResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("app_id", e.AppID)
	req.Header.Set("app_key", e.AppKey)

	resp, err := e.httpc.Do(req)
	if err != nil {
		return provider.OCRResult{}, provider.FromTransport(e.Name(), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.OCRResult{}, provider.FromTransport(e.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.OCRResult{}, provider.FromStatus(e.Name(), resp.StatusCode, raw)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.OCRResult{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("bad JSON: %w", err)}
	}
	// mathpix reports request-level failures with 200 and an error field
	if out.Error != "" {
		msg := out.Error
		if out.ErrorInfo != nil && out.ErrorInfo.Message != "" {
			msg = out.ErrorInfo.ID + ": " + out.ErrorInfo.Message
		}
		return provider.OCRResult{}, &provider.Error{Provider: e.Name(), Err: errors.New(msg)}
	}
	return provider.OCRResult{
		Provider:   e.Name(),
		Text:       strings.TrimSpace(out.Text),
		Confidence: out.Confidence,
	}, nil
}
