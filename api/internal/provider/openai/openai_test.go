package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"homework-grader/api/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0}

func TestAnalyze_SendsImageAndParsesOutput(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte(`{"output":[{"content":[{"type":"output_text","text":"{\"problems\":[]}"}]}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	e := New("k", "")
	e.BaseURL = srv.URL
	resp, err := e.Analyze(context.Background(), provider.Request{
		Prompt:       "grade",
		SystemPrompt: "you grade",
		JSON:         true,
		Image:        &provider.Image{Data: pngHeader},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"problems":[]}`, resp.Content)
	assert.Equal(t, 42, resp.TokensUsed)
	assert.Equal(t, "openai", resp.Provider)

	assert.Equal(t, DefaultModel, got["model"])
	input := got["input"].([]any)
	require.Len(t, input, 2)
	user := input[1].(map[string]any)["content"].([]any)
	img := user[1].(map[string]any)
	assert.Contains(t, img["image_url"], "data:image/png;base64,")
	assert.NotNil(t, got["text"])
}

func TestAnalyze_StatusClassification(t *testing.T) {
	for code, retryable := range map[int]bool{429: true, 500: true, 401: false, 400: false} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		e := New("k", "m")
		e.BaseURL = srv.URL
		_, err := e.Analyze(context.Background(), provider.Request{Prompt: "x"})
		srv.Close()

		var pe *provider.Error
		require.True(t, errors.As(err, &pe), "code %d", code)
		assert.Equal(t, retryable, pe.Retryable, "code %d", code)
		assert.Equal(t, code, pe.StatusCode)
	}
}

func TestAnalyze_RejectsUnsupportedMIME(t *testing.T) {
	e := New("k", "m")
	_, err := e.Analyze(context.Background(), provider.Request{Image: &provider.Image{Data: []byte("%PDF-1.4")}})
	require.Error(t, err)
	assert.False(t, provider.IsRetryable(err))
}

func TestExtractResponsesTextPrefersOutputText(t *testing.T) {
	s, n := extractResponsesText([]byte(`{"output_text":" hi ","output":[{"content":[{"text":"other"}]}],"usage":{"total_tokens":3}}`))
	assert.Equal(t, "hi", s)
	assert.Equal(t, 3, n)
}
