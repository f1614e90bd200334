package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"zkqueue-go/internal/config"
	"zkqueue-go/internal/ingest"
)

// Ingester enqueues one payload. *ingest.Service implements it.
type Ingester interface {
	Enqueue(ctx context.Context, source string, payload []byte) (string, error)
}

// messageReader is the subset of *kafka.Reader used by the Source.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source reads a Kafka topic and enqueues every message value. A message is
// committed only after its item exists in the queue.
type Source struct {
	reader   messageReader
	ingester Ingester
	topic    string
	group    string
	logger   *slog.Logger

	// retryInterval is the wait between attempts while the queue is
	// unavailable.
	retryInterval time.Duration
}

// NewSource creates a new Kafka source.
func NewSource(cfg *config.KafkaConfig, ingester Ingester, logger *slog.Logger) *Source {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.SourceTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Source{
		reader:   reader,
		ingester: ingester,
		topic:    cfg.SourceTopic,
		group:    cfg.ConsumerGroup,
		logger:   logger,

		retryInterval: time.Second,
	}
}

// Start consumes messages until ctx is canceled. While the queue is
// unavailable the current message is retried; other enqueue failures are
// logged and the message is committed so it does not block the partition.
func (s *Source) Start(ctx context.Context) error {
	s.logger.Info("starting kafka source",
		"topic", s.topic,
		"group", s.group,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("kafka source stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("failed to fetch message", "error", err)
			continue
		}

		name, err := s.enqueue(ctx, msg)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.logger.Error("failed to enqueue message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		default:
			s.logger.Debug("message enqueued", "item", name, "offset", msg.Offset)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.logger.Error("failed to commit message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// enqueue retries msg until the queue accepts it, rejects it for a reason
// other than availability, or ctx ends.
func (s *Source) enqueue(ctx context.Context, msg kafka.Message) (string, error) {
	for {
		name, err := s.ingester.Enqueue(ctx, "kafka", msg.Value)
		if !errors.Is(err, ingest.ErrUnavailable) {
			return name, err
		}

		s.logger.Warn("queue unavailable, retrying message",
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		select {
		case <-time.After(s.retryInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close closes the Kafka reader.
func (s *Source) Close() error {
	if s.reader != nil {
		return s.reader.Close()
	}
	return nil
}
