package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultBaseURL = "https://api.openai.com"
)

type Engine struct {
	APIKey  string
	Model   string
	BaseURL string
	httpc   *http.Client
}

func New(key, model string) *Engine {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
	}
	return &Engine{
		APIKey:  strings.TrimSpace(key),
		Model:   strings.TrimSpace(model),
		BaseURL: DefaultBaseURL,
		httpc:   &http.Client{Timeout: provider.DefaultTimeout, Transport: tr},
	}
}

// WithHTTPClient overrides the internal HTTP client (e.g., for custom timeouts or tracing).
func (e *Engine) WithHTTPClient(c *http.Client) *Engine {
	if c != nil {
		e.httpc = c
	}
	return e
}

func (e *Engine) Name() string     { return "openai" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Analyze(ctx context.Context, req provider.Request) (provider.Response, error) {
	if e.APIKey == "" {
		return provider.Response{}, fmt.Errorf("OPENAI_API_KEY is empty: %w", provider.ErrNotConfigured)
	}
	model := e.Model
	if req.Model != "" {
		model = req.Model
	}

	userContent := []any{
		map[string]any{"type": "input_text", "text": req.Prompt},
	}
	if !req.Image.Empty() {
		url := req.Image.URL
		if len(req.Image.Data) > 0 {
			mime := util.PickMIME(req.Image.MIME, "", req.Image.Data)
			if !isImageMIME(mime) {
				return provider.Response{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("unsupported MIME %s (need image/jpeg|png|webp)", mime)}
			}
			url = util.MakeDataURL(mime, req.Image.Data)
		}
		userContent = append(userContent, map[string]any{"type": "input_image", "image_url": url})
	}

	input := []any{}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		input = append(input, map[string]any{
			"role": "system",
			"content": []any{
				map[string]any{"type": "input_text", "text": s},
			},
		})
	}
	input = append(input, map[string]any{
		"type":    "message",
		"role":    "user",
		"content": userContent,
	})

	body := map[string]any{
		"model":       model,
		"input":       input,
		"temperature": req.Temperature,
	}
	if req.JSON {
		body["text"] = map[string]any{"format": map[string]any{"type": "json_object"}}
	}
	if req.MaxTokens > 0 {
		body["max_output_tokens"] = req.MaxTokens
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.BaseURL, "/")+"/v1/responses", bytes.NewReader(payload))
	if err != nil {
		return provider.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.APIKey)

	resp, err := e.httpc.Do(httpReq)
	if err != nil {
		return provider.Response{}, provider.FromTransport(e.Name(), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Response{}, provider.FromTransport(e.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.Response{}, provider.FromStatus(e.Name(), resp.StatusCode, raw)
	}

	out, tokens := extractResponsesText(raw)
	if strings.TrimSpace(out) == "" {
		return provider.Response{}, &provider.Error{
			Provider:  e.Name(),
			Retryable: true,
			Err:       fmt.Errorf("empty output; body=%s", util.TruncateBytes(raw, 1024)),
		}
	}
	return provider.Response{Provider: e.Name(), Content: strings.TrimSpace(out), TokensUsed: tokens}, nil
}

// extractResponsesText prefers `output_text` and otherwise concatenates the text segments
// found in `output[i].content[j].text`.
func extractResponsesText(raw []byte) (string, int) {
	type content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type output struct {
		Content []content `json:"content"`
	}
	var env struct {
		Output     []output `json:"output"`
		OutputText string   `json:"output_text"`
		Usage      struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", 0
	}
	if s := strings.TrimSpace(env.OutputText); s != "" {
		return s, env.Usage.TotalTokens
	}

	var b strings.Builder
	for _, o := range env.Output {
		for _, c := range o.Content {
			if strings.TrimSpace(c.Text) == "" {
				continue
			}
			// both `output_text` and `text` are seen in practice
			if c.Type == "output_text" || c.Type == "text" || c.Type == "" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(c.Text)
			}
		}
	}
	return b.String(), env.Usage.TotalTokens
}

func isImageMIME(m string) bool {
	switch strings.ToLower(strings.TrimSpace(m)) {
	case "image/jpeg", "image/jpg", "image/png", "image/webp", "image/gif":
		return true
	}
	return false
}
