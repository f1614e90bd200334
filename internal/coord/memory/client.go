package memory

import (
	"context"
	"sync"

	"zkqueue-go/internal/coord"
)

type clientState int

const (
	stateIdle clientState = iota
	stateConnected
	stateDisconnected
	stateClosed
)

// Client is a session against a Server. It implements coord.Client and adds
// hooks to simulate connection drops from tests.
type Client struct {
	srv *Server

	mu      sync.Mutex
	state   clientState
	started bool
	pending []coord.Event
	quit    bool
	faults  map[Op][]error

	notify chan struct{}
	events chan coord.Event
}

func newClient(srv *Server) *Client {
	return &Client{
		srv:    srv,
		faults: make(map[Op][]error),
		notify: make(chan struct{}, 1),
		events: make(chan coord.Event),
	}
}

// Connect marks the session connected and queues EventConnected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return coord.ErrClosed
	}
	if !c.started {
		c.started = true
		go c.pump()
	}
	if c.state != stateConnected {
		c.state = stateConnected
		c.emitLocked(coord.Event{Type: coord.EventConnected})
	}
	return nil
}

// Events returns the lifecycle stream.
func (c *Client) Events() <-chan coord.Event {
	return c.events
}

// Create implements coord.Client.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (string, error) {
	if err := c.check(ctx, OpCreate, path); err != nil {
		return "", err
	}
	return c.srv.create(path, data, mode)
}

// Children implements coord.Client.
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.check(ctx, OpChildren, path); err != nil {
		return nil, err
	}
	return c.srv.children(path, nil)
}

// ChildrenW implements coord.Client.
func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.WatchEvent, error) {
	if err := c.check(ctx, OpChildren, path); err != nil {
		return nil, nil, err
	}
	w := &watch{ch: make(chan coord.WatchEvent, 1), owner: c}
	names, err := c.srv.children(path, w)
	if err != nil {
		return nil, nil, err
	}
	return names, w.ch, nil
}

// Get implements coord.Client.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	if err := c.check(ctx, OpGet, path); err != nil {
		return nil, err
	}
	return c.srv.get(path)
}

// Delete implements coord.Client.
func (c *Client) Delete(ctx context.Context, path string) error {
	if err := c.check(ctx, OpDelete, path); err != nil {
		return err
	}
	return c.srv.delete(path)
}

// Close ends the session, drops its watches, and delivers a final
// EventDisconnected before closing the event stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	c.emitLocked(coord.Event{Type: coord.EventDisconnected})
	c.quit = true
	if !c.started {
		c.started = true
		go c.pump()
	}
	c.wakeLocked()
	c.mu.Unlock()

	c.srv.dropWatches(c)
	return nil
}

// --- Test Helpers ---

// Disconnect simulates an unexpected connection drop. Operations fail with
// coord.ErrNotConnected until Reconnect is called.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return
	}
	c.state = stateDisconnected
	c.emitLocked(coord.Event{Type: coord.EventDisconnected})
}

// Reconnect restores a dropped session. Watches survive, as they do within a
// ZooKeeper session.
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateDisconnected {
		return
	}
	c.state = stateConnected
	c.emitLocked(coord.Event{Type: coord.EventConnected})
}

// EmitError delivers a session-level error event.
func (c *Client) EmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.emitLocked(coord.Event{Type: coord.EventError, Err: err})
}

// FailNext makes the next op of the given kind fail with err.
func (c *Client) FailNext(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], err)
}

// check runs the hook, then verifies the session can serve op.
func (c *Client) check(ctx context.Context, op Op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.srv.runHook(op, path)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return coord.ErrClosed
	case stateConnected:
	default:
		return coord.ErrNotConnected
	}
	if errs := c.faults[op]; len(errs) > 0 {
		c.faults[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (c *Client) emitLocked(ev coord.Event) {
	c.pending = append(c.pending, ev)
	c.wakeLocked()
}

func (c *Client) wakeLocked() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// pump forwards queued events in order so emitters never block on a slow
// reader.
func (c *Client) pump() {
	defer close(c.events)
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.quit {
			c.mu.Unlock()
			<-c.notify
			c.mu.Lock()
		}
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		ev := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		c.events <- ev
	}
}
