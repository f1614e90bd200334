// Package kafka connects the queue to Kafka topics: a Sink that writes
// claimed items to a topic and a Source that enqueues messages read from
// one.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"zkqueue-go/internal/config"
	"zkqueue-go/internal/queue"
)

// Header keys set on every message written by the Sink.
const (
	HeaderQueuePath = "zkqueue-path"
	HeaderQueueSeq  = "zkqueue-seq"
)

// messageWriter is the subset of *kafka.Writer used by the Sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink implements relay.Sink using a Kafka writer. Messages are keyed by
// item name.
type Sink struct {
	writer messageWriter
	path   string
}

// NewSink creates a new Kafka sink for items claimed from the queue at path.
func NewSink(cfg *config.KafkaConfig, path string) *Sink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.SinkTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Sink{
		writer: writer,
		path:   path,
	}
}

// Name implements relay.Sink.
func (s *Sink) Name() string {
	return "kafka"
}

// Deliver writes the item to Kafka.
func (s *Sink) Deliver(ctx context.Context, item queue.Item) error {
	msg := kafka.Message{
		Key:   []byte(item.Name),
		Value: item.Payload,
		Headers: []kafka.Header{
			{Key: HeaderQueuePath, Value: []byte(s.path)},
			{Key: HeaderQueueSeq, Value: []byte(strconv.FormatUint(item.Seq, 10))},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka writer.
func (s *Sink) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
