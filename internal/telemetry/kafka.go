package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic carries every proxy event as JSON.
const DefaultTopic = "tproxy.events"

// KafkaSink publishes events as JSON, keyed by session so a consumer sees one
// device's events in order.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a producer for topic. No connection is made until the
// first write.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 2 * time.Second,
			Compression:  kafka.Snappy,
		},
	}
}

// Name implements Sink
func (s *KafkaSink) Name() string { return "kafka" }

// Topic returns the destination topic
func (s *KafkaSink) Topic() string { return s.writer.Topic }

// Write implements Sink
func (s *KafkaSink) Write(ctx context.Context, ev Event) error {
	msg, err := newKafkaMessage(ev)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close implements Sink
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func newKafkaMessage(ev Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	key := ev.SessionID
	if key == "" {
		key = string(ev.Kind)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  ev.Time,
	}, nil
}
