// Package relay moves claimed queue items to downstream systems.
// A Sink receives items in claim order; the log sink is used when no
// external system is configured.
package relay

import (
	"context"
	"log/slog"
	"time"

	"zkqueue-go/internal/queue"
)

// Sink defines the interface for delivering claimed items.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver hands one item to the downstream system. The item has
	// already been removed from the queue.
	Deliver(ctx context.Context, item queue.Item) error

	// Close releases the sink's resources.
	Close() error
}

// LogSink logs every item it receives.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a new log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{
		logger: logger,
	}
}

// Name implements Sink.
func (s *LogSink) Name() string {
	return "log"
}

// Deliver logs the item name and payload.
func (s *LogSink) Deliver(ctx context.Context, item queue.Item) error {
	s.logger.Info("item received",
		"item", item.Name,
		"seq", item.Seq,
		"payload", string(item.Payload),
		"received_at", time.Now().UTC(),
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error {
	return nil
}
