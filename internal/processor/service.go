// Package processor drains a queue consumer into a relay sink.
// Items arrive in claim order and are delivered one at a time, so the sink
// sees the queue's FIFO order for this consumer.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"zkqueue-go/internal/metrics"
	"zkqueue-go/internal/queue"
	"zkqueue-go/internal/relay"
)

// Consumer is the part of *queue.Consumer the processor uses.
type Consumer interface {
	Next(ctx context.Context) (queue.Item, error)
	Destroy()
}

// Defaults for delivery retries.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 100 * time.Millisecond
)

// Service pulls items from a consumer and hands them to a sink.
type Service struct {
	consumer Consumer
	sink     relay.Sink
	logger   *slog.Logger

	attempts int
	backoff  time.Duration
}

// NewService creates a new processor service.
func NewService(consumer Consumer, sink relay.Sink, logger *slog.Logger) *Service {
	return &Service{
		consumer: consumer,
		sink:     sink,
		logger:   logger,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
}

// Start begins pulling items and delivering them.
// This is a blocking call that runs until the context is canceled or the
// consumer is destroyed.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting processor service", "sink", s.sink.Name())

	for {
		item, err := s.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrClosed) {
				s.logger.Info("consumer closed, processor stopping")
				return nil
			}
			return err
		}

		s.deliver(ctx, item)
	}
}

// deliver hands item to the sink, retrying with exponential backoff. The
// item is already gone from the queue, so a delivery that keeps failing is
// logged with its payload and dropped.
func (s *Service) deliver(ctx context.Context, item queue.Item) {
	sinkName := s.sink.Name()
	wait := s.backoff

	for attempt := 1; ; attempt++ {
		err := s.sink.Deliver(ctx, item)
		if err == nil {
			metrics.RelayDeliveriesTotal.WithLabelValues(sinkName, "success").Inc()
			s.logger.Debug("item delivered", "item", item.Name, "sink", sinkName)
			return
		}

		if attempt >= s.attempts || ctx.Err() != nil {
			metrics.RelayDeliveriesTotal.WithLabelValues(sinkName, "failure").Inc()
			s.logger.Error("dropping undeliverable item",
				"item", item.Name,
				"sink", sinkName,
				"attempts", attempt,
				"payload", string(item.Payload),
				"error", err,
			)
			return
		}

		metrics.RelayDeliveriesTotal.WithLabelValues(sinkName, "retry").Inc()
		s.logger.Warn("delivery failed, retrying", "item", item.Name, "sink", sinkName, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		wait *= 2
	}
}

// Stop gracefully stops the processor service. The consumer is destroyed,
// so a running Start returns once buffered items are delivered.
func (s *Service) Stop() error {
	s.logger.Info("stopping processor service")
	s.consumer.Destroy()
	return s.sink.Close()
}
