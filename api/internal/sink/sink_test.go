package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/queue"
)

type captureWriter struct {
	msgs     []kgo.Message
	deadline bool
	err      error
}

func (c *captureWriter) WriteMessages(ctx context.Context, msgs ...kgo.Message) error {
	_, c.deadline = ctx.Deadline()
	c.msgs = append(c.msgs, msgs...)
	return c.err
}

func (c *captureWriter) Close() error { return nil }

func TestKafka_PublishesKeyedResult(t *testing.T) {
	w := &captureWriter{}
	k := &Kafka{topic: "results", writer: w, timeout: time.Second}

	id, err := k.Save(context.Background(), grading.Result{SubmissionID: "sub-1", Success: true, TotalScore: 3, TotalPossible: 4})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, "kafka:results", k.Name())

	require.Len(t, w.msgs, 1)
	assert.True(t, w.deadline, "publish must be bounded")
	assert.Equal(t, "sub-1", string(w.msgs[0].Key))
	var got grading.Result
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, 3.0, got.TotalScore)
	assert.True(t, got.Success)
}

func TestNewKafka_Validates(t *testing.T) {
	_, err := NewKafka(" , ", "results")
	require.Error(t, err)
	_, err = NewKafka("localhost:9092", "")
	require.Error(t, err)

	k, err := NewKafka("a:9092, b:9092", "results")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitCSV("a:9092, b:9092,"))
	require.NoError(t, k.Close())
}

type fakeSink struct {
	name  string
	id    string
	err   error
	saved []string
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Save(_ context.Context, res grading.Result) (string, error) {
	f.saved = append(f.saved, res.SubmissionID)
	return f.id, f.err
}

func TestMulti(t *testing.T) {
	primary := &fakeSink{name: "pg", id: "42"}
	flaky := &fakeSink{name: "kafka", err: errors.New("broker down")}
	tail := &fakeSink{name: "tail", id: "ignored"}

	id, err := Multi{primary, flaky, tail}.Save(context.Background(), grading.Result{SubmissionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, []string{"s"}, tail.saved, "secondary failure does not stop the fan-out")

	primary.err = errors.New("db down")
	_, err = Multi{primary, tail}.Save(context.Background(), grading.Result{SubmissionID: "t"})
	require.Error(t, err)
	assert.Equal(t, []string{"s"}, tail.saved)

	_, err = Multi{}.Save(context.Background(), grading.Result{})
	require.Error(t, err)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Latest(ctx, "s")
	require.ErrorIs(t, err, queue.ErrNotFound)

	id1, err := m.Save(ctx, grading.Result{SubmissionID: "s", TotalScore: 1})
	require.NoError(t, err)
	id2, err := m.Save(ctx, grading.Result{SubmissionID: "s", TotalScore: 2})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	got, err := m.Latest(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.TotalScore)
}
