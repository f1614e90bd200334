package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"zkqueue-go/internal/coord"
	"zkqueue-go/internal/metrics"
)

// Consumer claims items from a queue and hands them out through Next.
//
// A single goroutine owns the session and the subscription loop, so claim
// passes of one Consumer never overlap. Claimed items wait in a buffer of
// Options.HighWaterMark entries; a full buffer pauses claiming until Next
// drains it.
type Consumer struct {
	*lifecycle
	claimer *claimer

	// paused stops new listings and claims. held records a Pause call, which
	// only Resume clears. flagMu orders the writers of the three flags.
	flagMu sync.Mutex
	paused atomic.Bool
	held   atomic.Bool
	ended  atomic.Bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	// watch is the live child watch. Owned by the loop goroutine.
	watch <-chan coord.WatchEvent

	mu    sync.Mutex
	buf   []Item
	avail chan struct{}
}

// NewConsumer validates opts and starts connecting. The consumer starts
// paused; the first Next or Resume starts claiming.
func NewConsumer(opts Options) (*Consumer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	lc, err := newLifecycle(opts, roleConsumer)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		lifecycle: lc,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		avail:     make(chan struct{}, 1),
	}
	c.paused.Store(true)
	c.claimer = &claimer{
		client:  lc.client,
		root:    opts.Path,
		codec:   opts.codec(),
		timeout: opts.OperationTimeout,
		logger:  lc.logger,
		stopped: func() bool { return c.paused.Load() || c.ended.Load() },
	}
	lc.onSubscribe = c.subscribe
	lc.onRelease = func() { c.claimer.client = nil }

	go c.loop()

	if err := lc.connect(); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

func (c *Consumer) loop() {
	events := c.client.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.finish()
				return
			}
			c.handleClientEvent(ev)

		case ev := <-c.watch:
			c.watch = nil
			c.onWatch(ev)

		case <-c.wake:
			c.subscribe()
		}
	}
}

// subscribe arms a child watch on the root and claims the oldest listed
// item. It does nothing while paused, disconnected or ended.
func (c *Consumer) subscribe() {
	if c.paused.Load() || c.ended.Load() || !c.Connected() {
		return
	}
	client, err := c.current()
	if err != nil {
		return
	}

	ctx, cancel := c.opContext()
	names, watch, err := client.ChildrenW(ctx, c.opts.Path)
	cancel()
	if err != nil {
		if !c.ended.Load() {
			c.emitError(fmt.Errorf("failed to watch queue: %w", err))
		}
		return
	}
	c.watch = watch

	sorted := c.claimer.codec.Sort(names)
	if len(sorted) == 0 {
		return
	}
	c.claimOne(sorted[0])
}

func (c *Consumer) onWatch(ev coord.WatchEvent) {
	if ev.Type == coord.WatchSessionLost {
		// The next connect starts a new subscription.
		return
	}
	if c.paused.Load() || c.ended.Load() || !c.Connected() {
		return
	}
	c.claimOne("")
	c.subscribe()
}

func (c *Consumer) claimOne(candidate string) {
	item, ok, err := c.claimer.claim(candidate)
	if err != nil {
		if !c.ended.Load() {
			c.emitError(err)
		}
		return
	}
	if ok && !c.push(item) {
		c.paused.Store(true)
		c.logger.Debug("consumer buffer full, pausing")
	}
}

// push buffers a claimed item. It reports false once the buffer is at the
// high water mark.
func (c *Consumer) push(item Item) bool {
	c.mu.Lock()
	c.buf = append(c.buf, item)
	depth := len(c.buf)
	c.mu.Unlock()

	metrics.ConsumerBufferDepth.WithLabelValues(c.opts.Path).Set(float64(depth))
	select {
	case c.avail <- struct{}{}:
	default:
	}
	return depth < c.opts.HighWaterMark
}

// demand restarts claiming if it was paused by a full buffer or by the
// initial state, unless Pause is in effect.
func (c *Consumer) demand() {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()

	if c.held.Load() || c.ended.Load() {
		return
	}
	c.mu.Lock()
	full := len(c.buf) >= c.opts.HighWaterMark
	c.mu.Unlock()
	if full {
		return
	}
	if c.paused.CompareAndSwap(true, false) {
		c.kick()
	}
}

func (c *Consumer) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Next returns the next claimed item, blocking until one is available. The
// first call starts claiming. After Destroy, buffered items are still
// returned; then Next returns ErrClosed.
func (c *Consumer) Next(ctx context.Context) (Item, error) {
	for {
		c.demand()

		c.mu.Lock()
		if len(c.buf) > 0 {
			item := c.buf[0]
			c.buf[0] = Item{}
			c.buf = c.buf[1:]
			depth := len(c.buf)
			c.mu.Unlock()

			metrics.ConsumerBufferDepth.WithLabelValues(c.opts.Path).Set(float64(depth))
			c.demand()
			return item, nil
		}
		c.mu.Unlock()

		if c.ended.Load() {
			return Item{}, ErrClosed
		}

		select {
		case <-c.avail:
		case <-c.stop:
		case <-c.done:
			c.ended.Store(true)
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// Buffered returns the number of claimed items waiting to be pulled.
func (c *Consumer) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Pause stops claiming at the next iteration boundary. An in-flight read or
// delete completes; an item read but not yet deleted is left in the queue.
func (c *Consumer) Pause() {
	c.flagMu.Lock()
	c.held.Store(true)
	c.paused.Store(true)
	c.flagMu.Unlock()
}

// Resume clears Pause and restarts the subscription.
func (c *Consumer) Resume() {
	c.flagMu.Lock()
	c.held.Store(false)
	c.flagMu.Unlock()
	c.demand()
}

// Paused reports whether claiming is currently stopped.
func (c *Consumer) Paused() bool {
	return c.paused.Load()
}

// Destroy stops claiming immediately and closes the session without waiting
// for in-flight calls. The close event fires when the disconnect arrives; the
// session reference is released with it.
func (c *Consumer) Destroy() {
	c.flagMu.Lock()
	c.ended.Store(true)
	c.paused.Store(true)
	c.flagMu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })
	c.requestClose()
}
