package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homework-grader/api/internal/blob"
	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/notify"
	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/queue"
	"homework-grader/api/internal/sink"
	"homework-grader/api/internal/store"
)

type Grader interface {
	Grade(ctx context.Context, req grading.Request) (grading.Result, error)
}

type Submissions interface {
	Get(ctx context.Context, id string) (store.Submission, error)
	MarkGraded(ctx context.Context, id, status, resultID string) error
}

type Fetcher interface {
	Fetch(ctx context.Context, ref, mimeHint string) (provider.Image, error)
}

const (
	defaultPollInterval = 2 * time.Second
	defaultJobTimeout   = 4 * time.Minute
)

// Pool runs N independent loops against one queue. Each loop releases stale locks, claims the
// next job, grades it and settles it; an empty queue puts the loop to sleep for the poll interval.
type Pool struct {
	queue    *queue.Service
	subs     Submissions
	fetch    Fetcher
	grader   Grader
	sink     sink.Sink
	notifier notify.Notifier

	workerID     string
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
}

type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithJobTimeout bounds one job end to end. Keep it under the queue lock timeout or a slow job
// will be released to another worker while still running.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(p *Pool) {
		if n != nil {
			p.notifier = n
		}
	}
}

func New(workerID string, q *queue.Service, subs Submissions, fetch Fetcher, grader Grader, out sink.Sink, opts ...Option) *Pool {
	p := &Pool{
		queue:        q,
		subs:         subs,
		fetch:        fetch,
		grader:       grader,
		sink:         out,
		notifier:     notify.Nop{},
		workerID:     workerID,
		concurrency:  1,
		pollInterval: defaultPollInterval,
		jobTimeout:   defaultJobTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run blocks until ctx is cancelled and every loop has finished its current job.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 1; i <= p.concurrency; i++ {
		id := fmt.Sprintf("%s-%d", p.workerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, id)
		}()
	}
	log.Printf("[worker] %s started %d loops", p.workerID, p.concurrency)
	wg.Wait()
	log.Printf("[worker] %s stopped", p.workerID)
}

func (p *Pool) loop(ctx context.Context, id string) {
	for ctx.Err() == nil {
		worked, err := p.RunOnce(ctx, id)
		if err != nil && ctx.Err() == nil {
			log.Printf("[worker] %s: %v", id, err)
		}
		if !worked {
			sleep(ctx, p.pollInterval)
		}
	}
}

// RunOnce handles at most one job. worked reports whether a job was claimed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (worked bool, err error) {
	if _, err := p.queue.ReleaseStale(ctx); err != nil {
		log.Printf("[worker] %s: %v", workerID, err)
	}
	item, err := p.queue.LockNext(ctx, workerID)
	if err != nil || item == nil {
		return false, err
	}

	started := time.Now()
	res, resultID, err := p.process(ctx, *item)
	if err == nil {
		log.Printf("[worker] %s job=%s submission=%s graded in %s (result %s)",
			workerID, item.ID, item.SubmissionID, time.Since(started).Round(time.Millisecond), resultID)
		if res.NeedsReview {
			p.notifier.ReviewNeeded(ctx, res, resultID)
		}
		return true, nil
	}

	// a cancelled worker leaves the lock to expire; the job is retried after LockTimeout
	if ctx.Err() != nil {
		return true, err
	}
	if errors.Is(err, queue.ErrLockLost) {
		log.Printf("[worker] %s job=%s: lock lost, leaving the job to its current owner", workerID, item.ID)
		return true, err
	}
	ferr := p.queue.MarkFailed(ctx, item.ID, item.LockedBy, err.Error())
	switch {
	case errors.Is(ferr, queue.ErrExhausted):
		p.giveUp(ctx, *item, res, err)
	case errors.Is(ferr, queue.ErrLockLost):
		log.Printf("[worker] %s job=%s: lock lost before failure was recorded", workerID, item.ID)
	case ferr != nil:
		log.Printf("[worker] %s mark failed job=%s: %v", workerID, item.ID, ferr)
	}
	return true, fmt.Errorf("job %s attempt %d: %w", item.ID, item.Attempts, err)
}

func (p *Pool) process(ctx context.Context, item queue.Item) (grading.Result, string, error) {
	jctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	sub, err := p.subs.Get(jctx, item.SubmissionID)
	if err != nil {
		return grading.Result{}, "", fmt.Errorf("load submission %s: %w", item.SubmissionID, err)
	}
	img, err := p.fetch.Fetch(jctx, sub.ImageRef, sub.ImageMIME)
	if err != nil {
		return grading.Result{}, "", fmt.Errorf("fetch image: %w", err)
	}
	if small, ok := blob.Downscale(img.Data, blob.MaxPixels); ok {
		img = provider.Image{Data: small, MIME: "image/jpeg"}
	}

	res, err := p.grader.Grade(jctx, grading.Request{
		SubmissionID: sub.ID,
		Image:        img,
		AnswerKey:    sub.AnswerKey,
		Options:      sub.Options,
	})
	if err != nil {
		return res, "", err
	}
	resultID, err := p.sink.Save(jctx, res)
	if err != nil {
		return res, "", fmt.Errorf("save result: %w", err)
	}
	if err := p.queue.MarkCompleted(ctx, item.ID, item.LockedBy, resultID); err != nil {
		return res, resultID, err
	}
	if err := p.subs.MarkGraded(ctx, sub.ID, "graded", resultID); err != nil {
		log.Printf("[worker] submission %s: %v", sub.ID, err)
	}
	return res, resultID, nil
}

// giveUp records the last failed result, flags the submission and alerts a human.
func (p *Pool) giveUp(ctx context.Context, item queue.Item, res grading.Result, cause error) {
	resultID := ""
	if res.SubmissionID == "" {
		res = grading.Result{SubmissionID: item.SubmissionID}
	}
	res.Success = false
	res.Error = cause.Error()
	if id, err := p.sink.Save(ctx, res); err != nil {
		log.Printf("[worker] save failed result for %s: %v", item.SubmissionID, err)
	} else {
		resultID = id
	}
	if err := p.subs.MarkGraded(ctx, item.SubmissionID, "failed", resultID); err != nil {
		log.Printf("[worker] submission %s: %v", item.SubmissionID, err)
	}
	p.notifier.JobFailed(ctx, item, cause)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
