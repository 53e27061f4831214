package anthropic

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

const (
	DefaultModel     = "claude-3-5-sonnet-latest"
	DefaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
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
	return &Engine{
		APIKey:  strings.TrimSpace(key),
		Model:   strings.TrimSpace(model),
		BaseURL: DefaultBaseURL,
		httpc:   &http.Client{Timeout: provider.DefaultTimeout},
	}
}

func (e *Engine) Name() string     { return "anthropic" }
func (e *Engine) GetModel() string { return e.Model }

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (e *Engine) Analyze(ctx context.Context, req provider.Request) (provider.Response, error) {
	if e.APIKey == "" {
		return provider.Response{}, fmt.Errorf("ANTHROPIC_API_KEY is empty: %w", provider.ErrNotConfigured)
	}
	model := e.Model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var content []any
	if !req.Image.Empty() {
		if len(req.Image.Data) > 0 {
			content = append(content, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": util.PickMIME(req.Image.MIME, "", req.Image.Data),
					"data":       base64.StdEncoding.EncodeToString(req.Image.Data),
				},
			})
		} else {
			content = append(content, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "url", "url": req.Image.URL},
			})
		}
	}
	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond with a single JSON object only."
	}
	content = append(content, map[string]any{"type": "text", "text": prompt})

	body := map[string]any{
		"model":       model,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
		"messages": []any{
			map[string]any{"role": "user", "content": content},
		},
	}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		body["system"] = s
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.BaseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return provider.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", e.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := e.httpc.Do(httpReq)
	if err != nil {
		return provider.Response{}, provider.FromTransport(e.Name(), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Response{}, provider.FromTransport(e.Name(), err)
	}
	// 529 (overloaded) falls under the >=500 retryable rule
	if resp.StatusCode != http.StatusOK {
		return provider.Response{}, provider.FromStatus(e.Name(), resp.StatusCode, raw)
	}

	var mr messagesResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return provider.Response{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("bad envelope: %w", err)}
	}
	var b strings.Builder
	for _, c := range mr.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return provider.Response{}, &provider.Error{Provider: e.Name(), Retryable: true, Err: fmt.Errorf("empty output (stop_reason=%s)", mr.StopReason)}
	}
	return provider.Response{
		Provider:   e.Name(),
		Content:    out,
		TokensUsed: mr.Usage.InputTokens + mr.Usage.OutputTokens,
	}, nil
}
