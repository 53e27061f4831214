package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"homework-grader/api/internal/util"
)

// ErrUninterpretable is returned by solvers that answered but could not parse the query.
var ErrUninterpretable = errors.New("solver could not interpret input")

// ErrNotConfigured marks a backend without credentials; the Manager skips it.
var ErrNotConfigured = errors.New("provider not configured")

// Error is a classified provider failure.
type Error struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryableStatus: 408, 429 and 5xx are transient; any other 4xx is fatal for this provider.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func FromStatus(provider string, code int, body []byte) *Error {
	msg := strings.TrimSpace(util.TruncateBytes(body, 512))
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &Error{
		Provider:   provider,
		StatusCode: code,
		Retryable:  RetryableStatus(code),
		Err:        errors.New(msg),
	}
}

// FromTransport classifies an error that happened before an HTTP status was available.
func FromTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Provider: provider, Retryable: transient(err), Err: err}
}

var retryablePatterns = []string{
	"rate limit", "too many requests", "timeout", "connection refused",
	"connection reset", "temporary failure", "service unavailable",
	"internal server error", "bad gateway", "gateway timeout", "broken pipe",
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the Manager should try the same provider again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return transient(err)
}

// ExhaustedError is the single failure returned once every provider has given up.
type ExhaustedError struct {
	Tried    []string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed (%s, %d attempts): %v", strings.Join(e.Tried, ","), e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
