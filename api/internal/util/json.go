package util

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RepairRule rewrites model output that failed to decode as JSON. Rules are applied
// cumulatively in order; decoding is attempted after each one.
type RepairRule struct {
	Name  string
	Apply func(string) string
}

var DefaultRepairRules = []RepairRule{
	{Name: "strip_code_fences", Apply: StripCodeFences},
	{Name: "extract_outer_braces", Apply: extractOuterBraces},
	{Name: "strip_trailing_commas", Apply: stripTrailingCommas},
}

// ParseError reports model output that stayed undecodable after every repair rule.
type ParseError struct {
	Tried   []string
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model output is not valid JSON (tried %s): %v; output=%q",
		strings.Join(e.Tried, ","), e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DecodeResult names the rule that made the payload decodable ("as_is" when none was needed).
type DecodeResult struct {
	Rule string
	Text string
}

// DecodeLenient decodes raw model output into v, falling back to DefaultRepairRules.
func DecodeLenient(raw string, v any) (DecodeResult, error) {
	return DecodeWithRules(raw, v, DefaultRepairRules)
}

func DecodeWithRules(raw string, v any, rules []RepairRule) (DecodeResult, error) {
	text := strings.TrimSpace(raw)
	tried := []string{"as_is"}
	lastErr := json.Unmarshal([]byte(text), v)
	if lastErr == nil {
		return DecodeResult{Rule: "as_is", Text: text}, nil
	}
	for _, r := range rules {
		next := r.Apply(text)
		tried = append(tried, r.Name)
		if next == text {
			continue
		}
		text = next
		if err := json.Unmarshal([]byte(text), v); err != nil {
			lastErr = err
			continue
		}
		return DecodeResult{Rule: r.Name, Text: text}, nil
	}
	return DecodeResult{}, &ParseError{
		Tried:   tried,
		Snippet: ClampRunes(strings.TrimSpace(raw), 200),
		Err:     lastErr,
	}
}

func extractOuterBraces(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// stripTrailingCommas drops commas directly followed by a closing brace or bracket,
// leaving string literals untouched.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\r' || s[j] == '\t') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
