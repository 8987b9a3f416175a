package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"memberfund.org/internal/notify"
)

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher sends notifications to a Kafka topic, keyed by user id so one
// member's events stay ordered.
type Publisher struct {
	writer Writer
}

var _ notify.Notifier = (*Publisher)(nil)

// NewPublisher builds an async writer for topic.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil
}

// NewPublisherWithWriter is used in tests.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w}
}

func (p *Publisher) Notify(ctx context.Context, msg notify.Message) error {
	value, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(msg.Event)},
		},
	})
}

// Close flushes pending messages.
func (p *Publisher) Close() error { return p.writer.Close() }

// Encode renders msg as canonical protobuf JSON.
func Encode(msg notify.Message) ([]byte, error) {
	payload := make(map[string]any, len(msg.Payload))
	for k, v := range msg.Payload {
		payload[k] = normalize(v)
	}
	env, err := structpb.NewStruct(map[string]any{
		"user_id":     msg.UserID,
		"event":       string(msg.Event),
		"occurred_at": msg.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka: encode notification: %w", err)
	}
	return protojson.Marshal(env)
}

// normalize converts values structpb cannot hold into strings.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64, float32, float64:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
