package gemini

import (
	"context"
	"errors"
	"testing"

	"homework-grader/api/internal/provider"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAnalyze_NoKeyIsNotConfigured(t *testing.T) {
	_, err := New("", "").Analyze(context.Background(), provider.Request{Prompt: "x"})
	assert.ErrorIs(t, err, provider.ErrNotConfigured)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		code      int
	}{
		{"rest 503", &googleapi.Error{Code: 503}, true, 503},
		{"rest 400", &googleapi.Error{Code: 400, Message: "bad"}, false, 400},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), true, 429},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "key"), false, 401},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true, 503},
		{"plain network", errors.New("dial tcp: connection refused"), true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			var pe *provider.Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.retryable, pe.Retryable)
			assert.Equal(t, tt.code, pe.StatusCode)
			assert.Equal(t, "gemini", pe.Provider)
		})
	}
}

func TestFirstTextJoinsParts(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
		{Content: nil},
		{Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"a":`), genai.Text(`1}`)}}},
	}}
	assert.Equal(t, `{"a":1}`, firstText(resp))
	assert.Equal(t, "", firstText(nil))
}
