// Package ingest provides the item ingestion service.
// It validates incoming payloads and appends them to the queue through a
// producer, for both the HTTP API and the Kafka source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zkqueue-go/internal/metrics"
	"zkqueue-go/internal/queue"
)

// Enqueuer appends one payload to the queue and returns the item name.
// *queue.Producer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, v any) (string, error)
}

// Errors returned by the ingest service.
var (
	ErrEmptyPayload  = errors.New("payload is empty")
	ErrUnavailable   = errors.New("queue is not connected")
	ErrEnqueueFailed = errors.New("failed to enqueue item")
)

// Service handles item ingestion.
type Service struct {
	producer Enqueuer
	logger   *slog.Logger
}

// NewService creates a new ingest service.
func NewService(producer Enqueuer, logger *slog.Logger) *Service {
	return &Service{
		producer: producer,
		logger:   logger,
	}
}

// Enqueue stores payload verbatim as a new queue item. source names the
// caller in logs and metrics, e.g. "http" or "kafka".
//
// Payloads are never buffered: while the producer is disconnected or closed
// Enqueue returns ErrUnavailable and the caller decides whether to retry.
func (s *Service) Enqueue(ctx context.Context, source string, payload []byte) (string, error) {
	if len(payload) == 0 {
		metrics.RelayIngestedTotal.WithLabelValues(source, "rejected").Inc()
		return "", ErrEmptyPayload
	}

	name, err := s.producer.Enqueue(ctx, payload)
	if err != nil {
		if errors.Is(err, queue.ErrNotConnected) || errors.Is(err, queue.ErrClosed) {
			metrics.RelayIngestedTotal.WithLabelValues(source, "unavailable").Inc()
			s.logger.Warn("queue unavailable", "source", source, "error", err)
			return "", ErrUnavailable
		}
		metrics.RelayIngestedTotal.WithLabelValues(source, "failure").Inc()
		s.logger.Error("failed to enqueue item", "source", source, "error", err)
		return "", fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}

	metrics.RelayIngestedTotal.WithLabelValues(source, "success").Inc()
	s.logger.Debug("item enqueued", "source", source, "item", name, "bytes", len(payload))

	return name, nil
}
