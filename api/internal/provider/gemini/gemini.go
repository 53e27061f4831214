package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultModel = "gemini-2.0-flash"

type Engine struct {
	APIKey string
	Model  string
	opts   []option.ClientOption
}

func New(apiKey, model string, opts ...option.ClientOption) *Engine {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	return &Engine{
		APIKey: strings.TrimSpace(apiKey),
		Model:  model,
		opts:   opts,
	}
}

func (e *Engine) Name() string     { return "gemini" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Analyze(ctx context.Context, req provider.Request) (provider.Response, error) {
	if e.APIKey == "" {
		return provider.Response{}, fmt.Errorf("GEMINI_API_KEY is empty: %w", provider.ErrNotConfigured)
	}
	cl, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(e.APIKey)}, e.opts...)...)
	if err != nil {
		return provider.Response{}, classify(err)
	}
	defer cl.Close()

	model := e.Model
	if req.Model != "" {
		model = req.Model
	}
	m := cl.GenerativeModel(model)
	if m == nil {
		return provider.Response{}, fmt.Errorf("gemini: model is nil")
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(req.Temperature),
	}
	if req.JSON {
		m.GenerationConfig.ResponseMIMEType = "application/json"
	}
	if req.MaxTokens > 0 {
		m.GenerationConfig.MaxOutputTokens = ptrInt32(int32(req.MaxTokens))
	}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(s)}}
	}

	parts := []genai.Part{genai.Text(req.Prompt)}
	if !req.Image.Empty() {
		if len(req.Image.Data) == 0 {
			return provider.Response{}, &provider.Error{Provider: e.Name(), Err: errors.New("inline image bytes required")}
		}
		parts = append(parts, &genai.Blob{
			MIMEType: util.PickMIME(req.Image.MIME, "", req.Image.Data),
			Data:     req.Image.Data,
		})
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return provider.Response{}, classify(err)
	}
	txt := strings.TrimSpace(firstText(resp))
	if txt == "" {
		return provider.Response{}, &provider.Error{Provider: e.Name(), Retryable: true, Err: errors.New("empty response")}
	}
	out := provider.Response{Provider: e.Name(), Content: txt}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// classify maps REST (googleapi) and gRPC status errors onto retryable/fatal.
func classify(err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return &provider.Error{Provider: "gemini", StatusCode: ge.Code, Retryable: provider.RetryableStatus(ge.Code), Err: err}
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		code := httpStatus(st.Code())
		return &provider.Error{Provider: "gemini", StatusCode: code, Retryable: provider.RetryableStatus(code), Err: err}
	}
	return provider.FromTransport("gemini", err)
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Internal, codes.Aborted, codes.DataLoss:
		return http.StatusInternalServerError
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Canceled:
		return 499
	}
	return http.StatusBadRequest
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		var b strings.Builder
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
func ptrInt32(v int32) *int32       { return &v }
