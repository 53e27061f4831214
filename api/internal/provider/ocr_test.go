package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOCR struct {
	name string
	text string
	err  error
}

func (f fakeOCR) Name() string { return f.name }

func (f fakeOCR) Recognize(context.Context, Image) (OCRResult, error) {
	return OCRResult{Text: f.text, Confidence: 0.9}, f.err
}

func TestOCRChain_FallsThrough(t *testing.T) {
	c := NewOCRChain(
		fakeOCR{name: "mathpix", err: errors.New("401")},
		fakeOCR{name: "yandex", text: "  "},
		fakeOCR{name: "tesseract", text: "1. 2+2 = 4"},
	)
	res, err := c.Recognize(context.Background(), Image{Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, "tesseract", res.Provider)
	assert.Equal(t, "1. 2+2 = 4", res.Text)
	assert.Equal(t, "chain(mathpix,yandex,tesseract)", c.Name())
}

func TestOCRChain_AllFail(t *testing.T) {
	c := NewOCRChain(fakeOCR{name: "mathpix", err: errors.New("down")}, nil)
	assert.Equal(t, 1, c.Len())
	_, err := c.Recognize(context.Background(), Image{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")

	_, err = NewOCRChain().Recognize(context.Background(), Image{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type countingSolver struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (s *countingSolver) Name() string { return "wolfram" }

func (s *countingSolver) Solve(_ context.Context, expr string) (Solution, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return Solution{}, s.err
	}
	return Solution{Provider: "wolfram", Input: expr, Answer: "4"}, nil
}

func TestCachedSolver_DedupesConcurrentCalls(t *testing.T) {
	inner := &countingSolver{gate: make(chan struct{})}
	c := NewCachedSolver(inner, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sol, err := c.Solve(context.Background(), "2 +  2")
			assert.NoError(t, err)
			assert.Equal(t, "4", sol.Answer)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(inner.gate)
	wg.Wait()

	_, err := c.Solve(context.Background(), "2 + 2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

type ctxSolver struct {
	started chan struct{}
	gate    chan struct{}
	calls   atomic.Int32
}

func (s *ctxSolver) Name() string { return "wolfram" }

func (s *ctxSolver) Solve(ctx context.Context, expr string) (Solution, error) {
	s.calls.Add(1)
	close(s.started)
	<-s.gate
	if err := ctx.Err(); err != nil {
		return Solution{}, err
	}
	return Solution{Provider: "wolfram", Input: expr, Answer: "13"}, nil
}

func TestCachedSolver_FirstCallerCancelled(t *testing.T) {
	inner := &ctxSolver{started: make(chan struct{}), gate: make(chan struct{})}
	c := NewCachedSolver(inner, 0)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Solve(firstCtx, "18 - 5")
		firstErr <- err
	}()
	<-inner.started

	type result struct {
		sol Solution
		err error
	}
	second := make(chan result, 1)
	go func() {
		sol, err := c.Solve(context.Background(), "18 - 5")
		second <- result{sol, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(inner.gate)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "13", got.sol.Answer)
	assert.Equal(t, int32(1), inner.calls.Load())

	sol, err := c.Solve(context.Background(), "18 - 5")
	require.NoError(t, err)
	assert.Equal(t, "13", sol.Answer, "the detached solve was cached")
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCachedSolver_DoesNotCacheTransientErrors(t *testing.T) {
	inner := &countingSolver{err: errors.New("timeout")}
	c := NewCachedSolver(inner, 2)
	_, _ = c.Solve(context.Background(), "x")
	_, _ = c.Solve(context.Background(), "x")
	assert.Equal(t, int32(2), inner.calls.Load())

	inner2 := &countingSolver{err: ErrUninterpretable}
	c2 := NewCachedSolver(inner2, 2)
	_, err := c2.Solve(context.Background(), "??")
	assert.ErrorIs(t, err, ErrUninterpretable)
	_, err = c2.Solve(context.Background(), "??")
	assert.ErrorIs(t, err, ErrUninterpretable)
	assert.Equal(t, int32(1), inner2.calls.Load())
}

func TestCachedSolver_Evicts(t *testing.T) {
	inner := &countingSolver{}
	c := NewCachedSolver(inner, 1)
	_, _ = c.Solve(context.Background(), "a")
	_, _ = c.Solve(context.Background(), "b")
	_, _ = c.Solve(context.Background(), "a")
	assert.Equal(t, int32(3), inner.calls.Load())
}
