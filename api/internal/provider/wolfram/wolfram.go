// Package wolfram queries the Wolfram|Alpha Full Results API as the symbolic solver.
package wolfram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"homework-grader/api/internal/provider"
)

const DefaultBaseURL = "https://api.wolframalpha.com"

// answerPods are tried in order; the first with plaintext wins.
var answerPods = []string{"Result", "Solution", "RealSolution", "ExactResult", "DecimalApproximation", "Root"}

type Engine struct {
	AppID   string
	BaseURL string
	httpc   *http.Client
}

func New(appID string) *Engine {
	return &Engine{
		AppID:   strings.TrimSpace(appID),
		BaseURL: DefaultBaseURL,
		httpc:   &http.Client{Timeout: provider.DefaultTimeout},
	}
}

func (e *Engine) Name() string { return "wolfram" }

type pod struct {
	Title   string `json:"title"`
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
	Subpods []struct {
		Plaintext string `json:"plaintext"`
	} `json:"subpods"`
}

type queryResult struct {
	QueryResult struct {
		Success bool            `json:"success"`
		Error   json.RawMessage `json:"error"`
		Pods    []pod           `json:"pods"`
	} `json:"queryresult"`
}

func (e *Engine) Solve(ctx context.Context, expr string) (provider.Solution, error) {
	if e.AppID == "" {
		return provider.Solution{}, fmt.Errorf("WOLFRAM_APP_ID is empty: %w", provider.ErrNotConfigured)
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return provider.Solution{}, provider.ErrUninterpretable
	}

	q := url.Values{}
	q.Set("appid", e.AppID)
	q.Set("input", expr)
	q.Set("output", "json")
	q.Set("format", "plaintext")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(e.BaseURL, "/")+"/v2/query?"+q.Encode(), nil)
	if err != nil {
		return provider.Solution{}, err
	}

	resp, err := e.httpc.Do(req)
	if err != nil {
		return provider.Solution{}, provider.FromTransport(e.Name(), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Solution{}, provider.FromTransport(e.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.Solution{}, provider.FromStatus(e.Name(), resp.StatusCode, raw)
	}

	var out queryResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.Solution{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("bad JSON: %w", err)}
	}
	qr := out.QueryResult
	// error is `false` on success and an object {code,msg} when the appid or request is bad
	if qe := strings.TrimSpace(string(qr.Error)); qe != "" && qe != "false" {
		return provider.Solution{}, &provider.Error{Provider: e.Name(), Err: fmt.Errorf("query error: %s", qe)}
	}
	if !qr.Success {
		return provider.Solution{}, fmt.Errorf("wolfram %q: %w", expr, provider.ErrUninterpretable)
	}

	answer := pickAnswer(qr.Pods)
	if answer == "" {
		return provider.Solution{}, fmt.Errorf("wolfram %q: no result pod: %w", expr, provider.ErrUninterpretable)
	}
	return provider.Solution{Provider: e.Name(), Input: expr, Answer: answer}, nil
}

func pickAnswer(pods []pod) string {
	byID := map[string]string{}
	var primary string
	for _, p := range pods {
		text := firstPlaintext(p)
		if text == "" {
			continue
		}
		byID[p.ID] = text
		byID[strings.ReplaceAll(p.Title, " ", "")] = text
		if p.Primary && primary == "" {
			primary = text
		}
	}
	for _, id := range answerPods {
		if v, ok := byID[id]; ok {
			return v
		}
	}
	return primary
}

func firstPlaintext(p pod) string {
	for _, sp := range p.Subpods {
		if s := strings.TrimSpace(sp.Plaintext); s != "" {
			return s
		}
	}
	return ""
}
