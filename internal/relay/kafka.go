package relay

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka.Writer the sink needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes intents keyed by entity id, so every change to one
// request or load lands on the same partition in order.
type KafkaSink struct {
	Writer KafkaWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaSink{Writer: w, topic: topic}
}

func NewKafkaSinkWithWriter(w KafkaWriter) *KafkaSink {
	return &KafkaSink{Writer: w}
}

func (s *KafkaSink) Name() string { return "kafka " + s.topic }

func (s *KafkaSink) Deliver(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.EntityID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.Writer.Close()
}
