package wolfram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"homework-grader/api/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, body string) *Engine {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/query", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("output"))
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	e := New("app")
	e.BaseURL = srv.URL
	return e
}

func TestSolve_SolutionPod(t *testing.T) {
	e := serve(t, `{"queryresult":{"success":true,"error":false,"pods":[
		{"title":"Input interpretation","id":"Input","subpods":[{"plaintext":"solve 2x+5=13"}]},
		{"title":"Solution","id":"Solution","subpods":[{"plaintext":"x = 4"}]}]}}`)
	sol, err := e.Solve(context.Background(), "solve 2x+5=13")
	require.NoError(t, err)
	assert.Equal(t, "x = 4", sol.Answer)
	assert.Equal(t, "wolfram", sol.Provider)
}

func TestSolve_PrimaryFallback(t *testing.T) {
	e := serve(t, `{"queryresult":{"success":true,"error":false,"pods":[
		{"title":"Input","id":"Input","subpods":[{"plaintext":"3/4+1/2"}]},
		{"title":"Exact result","id":"Exact","primary":true,"subpods":[{"plaintext":"5/4"}]}]}}`)
	sol, err := e.Solve(context.Background(), "3/4+1/2")
	require.NoError(t, err)
	assert.Equal(t, "5/4", sol.Answer)
}

func TestSolve_Uninterpretable(t *testing.T) {
	e := serve(t, `{"queryresult":{"success":false,"error":false,"pods":[]}}`)
	_, err := e.Solve(context.Background(), "blorp")
	assert.ErrorIs(t, err, provider.ErrUninterpretable)
}

func TestSolve_QueryError(t *testing.T) {
	e := serve(t, `{"queryresult":{"success":false,"error":{"code":"1","msg":"Invalid appid"}}}`)
	_, err := e.Solve(context.Background(), "1+1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, provider.ErrUninterpretable))
	assert.Contains(t, err.Error(), "Invalid appid")
}
