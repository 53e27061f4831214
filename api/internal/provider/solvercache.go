package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultSolverCacheSize = 512

type solverEntry struct {
	sol Solution
	err error
}

// CachedSolver dedupes concurrent identical queries and remembers deterministic answers.
// Transient failures are never cached.
type CachedSolver struct {
	inner   Solver
	group   singleflight.Group
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]solverEntry
	keys    []string
	max     int
}

func NewCachedSolver(inner Solver, size int) *CachedSolver {
	if size <= 0 {
		size = defaultSolverCacheSize
	}
	return &CachedSolver{inner: inner, entries: map[string]solverEntry{}, max: size, timeout: DefaultTimeout}
}

func (c *CachedSolver) Name() string { return c.inner.Name() }

func (c *CachedSolver) Solve(ctx context.Context, expr string) (Solution, error) {
	key := strings.Join(strings.Fields(expr), " ")

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.sol, e.err
	}
	c.mu.Unlock()

	// the shared solve outlives any one caller; each caller still stops waiting on its own ctx
	ch := c.group.DoChan(key, func() (any, error) {
		sctx, cancel := WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		sol, err := c.inner.Solve(sctx, expr)
		if err == nil || errors.Is(err, ErrUninterpretable) {
			c.store(key, solverEntry{sol: sol, err: err})
		}
		return sol, err
	})
	select {
	case <-ctx.Done():
		return Solution{}, ctx.Err()
	case r := <-ch:
		sol, _ := r.Val.(Solution)
		return sol, r.Err
	}
}

func (c *CachedSolver) store(key string, e solverEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.entries[key] = e
	for len(c.keys) > c.max {
		delete(c.entries, c.keys[0])
		c.keys = c.keys[1:]
	}
}
