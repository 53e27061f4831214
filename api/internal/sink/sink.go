package sink

import (
	"context"
	"errors"
	"log"

	"homework-grader/api/internal/grading"
)

// Sink stores or forwards a finished grading result and returns the id it was stored under
// ("" when the sink does not assign ids).
type Sink interface {
	Name() string
	Save(ctx context.Context, res grading.Result) (string, error)
}

// Multi writes to every sink in order. The first sink is the system of record: its id is
// returned and its failure fails the save. Later sinks are best effort.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Save(ctx context.Context, res grading.Result) (string, error) {
	if len(m) == 0 {
		return "", errors.New("no result sinks configured")
	}
	id, err := m[0].Save(ctx, res)
	if err != nil {
		return "", err
	}
	for _, s := range m[1:] {
		if _, err := s.Save(ctx, res); err != nil {
			log.Printf("[sink] %s failed for submission %s: %v", s.Name(), res.SubmissionID, err)
		}
	}
	return id, nil
}
