package provider

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"strings"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 8 * time.Second
	jitterFraction    = 0.1
)

// Manager walks providers in priority order. Each provider gets up to maxRetries attempts,
// with exponential backoff between retryable failures; a fatal error moves on to the next provider.
type Manager struct {
	providers  map[string]Analyzer
	order      []string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Manager)

func WithOrder(names ...string) Option {
	return func(m *Manager) {
		if len(names) > 0 {
			m.order = normalizeOrder(names)
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		if base >= 0 {
			m.baseDelay = base
		}
		if max > 0 {
			m.maxDelay = max
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSleep replaces the backoff wait; tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// NewManager registers analyzers under their Name(). Without WithOrder the order of
// registration is the priority order. Nil analyzers are ignored.
func NewManager(analyzers []Analyzer, opts ...Option) *Manager {
	m := &Manager{
		providers:  map[string]Analyzer{},
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		timeout:    DefaultTimeout,
		sleep:      sleepCtx,
	}
	for _, a := range analyzers {
		if a == nil {
			continue
		}
		name := a.Name()
		if _, dup := m.providers[name]; !dup {
			m.order = append(m.order, name)
		}
		m.providers[name] = a
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Name() string { return "manager" }

// Order returns the configured priority order.
func (m *Manager) Order() []string { return append([]string(nil), m.order...) }

func (m *Manager) Has(name string) bool {
	_, ok := m.providers[name]
	return ok
}

// Analyze uses the configured priority order.
func (m *Manager) Analyze(ctx context.Context, req Request) (Response, error) {
	return m.AnalyzeWith(ctx, req, nil)
}

// AnalyzeWith overrides the priority order for one call. Unknown names are skipped.
// The first success wins and is tagged with the provider that produced it.
func (m *Manager) AnalyzeWith(ctx context.Context, req Request, order []string) (Response, error) {
	names := m.order
	if len(order) > 0 {
		names = normalizeOrder(order)
	}

	exhausted := &ExhaustedError{}
	for _, name := range names {
		a, ok := m.providers[name]
		if !ok {
			continue
		}
		exhausted.Tried = append(exhausted.Tried, name)

		for attempt := 1; attempt <= m.maxRetries; attempt++ {
			callCtx, cancel := WithTimeout(ctx, m.timeout)
			resp, err := a.Analyze(callCtx, req)
			cancel()
			if err == nil {
				resp.Provider = name
				return resp, nil
			}

			exhausted.Attempts++
			exhausted.Last = FromTransport(name, err)
			if ctx.Err() != nil {
				return Response{}, exhausted
			}
			if errors.Is(err, ErrNotConfigured) || !IsRetryable(err) {
				log.Printf("[provider] %s failed (fatal), falling back: %v", name, err)
				break
			}
			if attempt == m.maxRetries {
				log.Printf("[provider] %s failed after %d attempts: %v", name, attempt, err)
				break
			}
			delay := m.backoff(attempt)
			log.Printf("[provider] %s attempt %d/%d failed, retry in %s: %v", name, attempt, m.maxRetries, delay, err)
			if err := m.sleep(ctx, delay); err != nil {
				return Response{}, exhausted
			}
		}
	}

	if exhausted.Last == nil {
		exhausted.Last = errors.New("no provider available")
	}
	return Response{}, exhausted
}

// backoff: base * 2^(attempt-1), capped, with ±10% jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.baseDelay * time.Duration(1<<(attempt-1))
	if delay > m.maxDelay {
		delay = m.maxDelay
	}
	jitter := int64(float64(delay) * jitterFraction)
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(2*jitter) - jitter)
	}
	if delay < 0 {
		return m.baseDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func normalizeOrder(names []string) []string {
	out := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
