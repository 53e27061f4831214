package yandex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"
)

const defaultOCRURL = "https://ocr.api.cloud.yandex.net/ocr/v1/recognizeText"

type Engine struct {
	URL      string
	Langs    []string
	Model    string
	iamc     *IamClient
	oauth    string
	folderID string
	httpc    *http.Client
}

func New(oauth2Token, folderID string) *Engine {
	return &Engine{
		URL:      defaultOCRURL,
		Langs:    []string{"en", "ru"},
		Model:    "handwritten",
		iamc:     NewIamClient(oauth2Token),
		oauth:    strings.TrimSpace(oauth2Token),
		folderID: strings.TrimSpace(folderID),
		httpc:    &http.Client{Timeout: provider.DefaultTimeout},
	}
}

func (e *Engine) Name() string { return "yandex" }

// IAM exposes the token client so tests can point it at a fake endpoint.
func (e *Engine) IAM() *IamClient { return e.iamc }

type request struct {
	Content       string   `json:"content"`
	MimeType      string   `json:"mimeType,omitempty"`      // "JPEG" | "PNG" | "PDF"
	LanguageCodes []string `json:"languageCodes,omitempty"` // ["en","ru"]
	Model         string   `json:"model,omitempty"`         // "handwritten", "page"
}

type line struct {
	Text string `json:"text,omitempty"`
}

type textAnnotation struct {
	FullText string `json:"fullText,omitempty"`
	Blocks   []struct {
		Lines []line `json:"lines,omitempty"`
	} `json:"blocks,omitempty"`
}

type response struct {
	Result *struct {
		TextAnnotation *textAnnotation `json:"textAnnotation,omitempty"`
	} `json:"result,omitempty"`
}

// Recognize runs handwritten OCR. The API reports no page-level confidence, so Confidence is 0.
func (e *Engine) Recognize(ctx context.Context, img provider.Image) (provider.OCRResult, error) {
	if e.oauth == "" || e.folderID == "" {
		return provider.OCRResult{}, fmt.Errorf("YC_OAUTH_TOKEN/YC_FOLDER_ID empty: %w", provider.ErrNotConfigured)
	}
	if len(img.Data) == 0 {
		return provider.OCRResult{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("image bytes required")}
	}
	payload, _ := json.Marshal(request{
		Content:       base64.StdEncoding.EncodeToString(img.Data),
		MimeType:      util.SniffMimeForOCR(img.Data),
		LanguageCodes: e.Langs,
		Model:         e.Model,
	})

	resp, err := e.do(ctx, payload)
	if err != nil {
		return provider.OCRResult{}, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// one retry with a fresh token
		resp.Body.Close()
		e.iamc.Invalidate()
		if resp, err = e.do(ctx, payload); err != nil {
			return provider.OCRResult{}, err
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		x, _ := io.ReadAll(resp.Body)
		return provider.OCRResult{}, provider.FromStatus(e.Name(), resp.StatusCode, x)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.OCRResult{}, provider.FromTransport(e.Name(), err)
	}
	return provider.OCRResult{Provider: e.Name(), Text: out.text()}, nil
}

func (e *Engine) do(ctx context.Context, payload []byte) (*http.Response, error) {
	iamToken, err := e.iamc.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+iamToken)
	req.Header.Set("x-folder-id", e.folderID)

	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, provider.FromTransport(e.Name(), err)
	}
	return resp, nil
}

func (r *response) text() string {
	if r == nil || r.Result == nil || r.Result.TextAnnotation == nil {
		return ""
	}
	ta := r.Result.TextAnnotation
	if t := strings.TrimSpace(ta.FullText); t != "" {
		return t
	}
	// fallback: lines
	var lines []string
	for _, b := range ta.Blocks {
		for _, l := range b.Lines {
			if s := strings.TrimSpace(l.Text); s != "" {
				lines = append(lines, s)
			}
		}
	}
	return strings.Join(lines, "\n")
}
