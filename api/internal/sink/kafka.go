package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"homework-grader/api/internal/grading"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Kafka publishes results keyed by submission id so all results of one submission land on
// the same partition.
type Kafka struct {
	topic   string
	writer  messageWriter
	timeout time.Duration
}

func NewKafka(brokersCSV, topic string) (*Kafka, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is empty")
	}
	if topic == "" {
		return nil, errors.New("KAFKA_TOPIC_RESULTS is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return &Kafka{topic: topic, writer: w, timeout: 3 * time.Second}, nil
}

func (k *Kafka) Name() string { return "kafka:" + k.topic }

func (k *Kafka) Close() error { return k.writer.Close() }

func (k *Kafka) Save(ctx context.Context, res grading.Result) (string, error) {
	return "", k.publishJSON(ctx, res.SubmissionID, res)
}

func (k *Kafka) publishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
