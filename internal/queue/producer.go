package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"zkqueue-go/internal/coord"
	"zkqueue-go/internal/metrics"
)

// Producer appends items to a queue.
type Producer struct {
	*lifecycle
	ended atomic.Bool
}

// NewProducer validates opts and starts connecting. It returns
// ErrMissingPath when opts.Path is empty. Enqueue fails with ErrNotConnected
// until the connect event; use WaitConnected or Listener.OnConnect.
func NewProducer(opts Options) (*Producer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	lc, err := newLifecycle(opts, roleProducer)
	if err != nil {
		return nil, err
	}

	p := &Producer{lifecycle: lc}
	go p.loop()

	if err := lc.connect(); err != nil {
		p.End()
		return nil, err
	}
	return p, nil
}

func (p *Producer) loop() {
	for ev := range p.client.Events() {
		p.handleClientEvent(ev)
	}
	p.finish()
}

// Enqueue stores v as a new item and returns its name. Payloads are encoded
// with EncodePayload. Writes are never buffered: it returns ErrNotConnected
// while the session is down and ErrClosed after End.
func (p *Producer) Enqueue(ctx context.Context, v any) (string, error) {
	if p.ended.Load() || p.closing() {
		return "", ErrClosed
	}
	if !p.Connected() {
		metrics.ItemsEnqueuedTotal.WithLabelValues(p.opts.Path, "not_connected").Inc()
		return "", ErrNotConnected
	}

	client, err := p.current()
	if err != nil {
		return "", err
	}

	data, err := EncodePayload(v)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	start := time.Now()
	created, err := client.Create(ctx, coord.Join(p.opts.Path, p.opts.Prefix), data, coord.ModePersistentSequential)
	metrics.EnqueueLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ItemsEnqueuedTotal.WithLabelValues(p.opts.Path, "failure").Inc()
		if errors.Is(err, coord.ErrNotConnected) {
			return "", ErrNotConnected
		}
		return "", fmt.Errorf("failed to enqueue item: %w", err)
	}

	name := coord.Base(created)
	metrics.ItemsEnqueuedTotal.WithLabelValues(p.opts.Path, "success").Inc()
	p.logger.Debug("item enqueued", "item", name, "bytes", len(data))
	return name, nil
}

// End stops accepting writes and closes the session. The close event fires
// once the disconnect has been observed and releases the session reference;
// wait on Done for it.
func (p *Producer) End() {
	p.ended.Store(true)
	p.requestClose()
}
