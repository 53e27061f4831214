package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexString accepts a JSON string, number or bool. Models write `"answer": 4` as often as `"answer": "4"`.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if len(b) > 0 && (b[0] == '[' || b[0] == '{') {
		// lists of solutions collapse to "a, b"
		var parts []any
		if err := json.Unmarshal(b, &parts); err == nil {
			ss := make([]string, 0, len(parts))
			for _, p := range parts {
				ss = append(ss, strings.TrimSpace(strings.Trim(string(mustJSON(p)), `"`)))
			}
			*f = FlexString(strings.Join(ss, ", "))
			return nil
		}
	}
	*f = FlexString(string(b))
	return nil
}

func (f FlexString) String() string { return string(f) }

// FlexFloat accepts a JSON number or a numeric string ("0.9", "90%").
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = FlexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	n, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return err
	}
	if pct {
		n /= 100
	}
	*f = FlexFloat(n)
	return nil
}

// FlexBool accepts true/false, "yes"/"no" and 0/1.
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.Trim(string(bytes.TrimSpace(b)), `"`)) {
	case "true", "yes", "y", "1", "correct":
		*f = true
	case "false", "no", "n", "0", "incorrect", "null", "":
		*f = false
	default:
		return fmt.Errorf("not a boolean: %s", b)
	}
	return nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
