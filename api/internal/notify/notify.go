package notify

import (
	"context"
	"fmt"
	"strings"

	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/queue"
)

// Notifier tells a human that a result needs a look or that a job gave up.
type Notifier interface {
	ReviewNeeded(ctx context.Context, res grading.Result, resultID string)
	JobFailed(ctx context.Context, item queue.Item, err error)
}

type Nop struct{}

func (Nop) ReviewNeeded(context.Context, grading.Result, string) {}
func (Nop) JobFailed(context.Context, queue.Item, error)        {}

const maxMessage = 3900

func reviewText(res grading.Result, resultID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review needed: submission %s\n", res.SubmissionID)
	if resultID != "" {
		fmt.Fprintf(&b, "Result: %s\n", resultID)
	}
	fmt.Fprintf(&b, "Score: %g/%g (%.2f%%)\n", res.TotalScore, res.TotalPossible, res.Percentage)
	if res.ReviewReason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", res.ReviewReason)
	}
	for _, q := range res.Questions {
		if q.NeedsReview {
			fmt.Fprintf(&b, "- problem %d: %s\n", q.QuestionNumber, q.ReviewReason)
		}
	}
	return clip(strings.TrimRight(b.String(), "\n"))
}

func failedText(item queue.Item, err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return clip(fmt.Sprintf("Grading failed after %d attempts: submission %s (job %s)\nError: %s",
		item.Attempts, item.SubmissionID, item.ID, msg))
}

func clip(s string) string {
	if len(s) > maxMessage {
		return s[:maxMessage] + "…"
	}
	return s
}
