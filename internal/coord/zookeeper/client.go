// Package zookeeper implements the coordination contract on Apache ZooKeeper
// using github.com/go-zookeeper/zk.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"zkqueue-go/internal/coord"
)

// Config holds the ZooKeeper connection settings.
type Config struct {
	// Servers are host:port pairs of the ensemble.
	Servers []string

	SessionTimeout time.Duration

	// SpinDelay is how long to wait after every server has been tried once.
	SpinDelay time.Duration

	// Retries is how many full passes over Servers may fail in a row before
	// an error event is raised. Connecting continues afterwards.
	Retries int

	Logger *slog.Logger
}

// ErrRetriesExhausted is delivered as an error event when Retries passes
// over the ensemble failed in a row.
var ErrRetriesExhausted = errors.New("zookeeper: connection retries exhausted")

// Client is a coord.Client backed by one ZooKeeper session.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *zk.Conn
	closed bool

	events chan coord.Event
	errs   chan error
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("zookeeper: no servers configured")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("backend", "zookeeper"),
		events: make(chan coord.Event),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
	}, nil
}

// Connect starts the session. The connected event follows once the ensemble
// has granted a session.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return coord.ErrClosed
	}
	if c.conn != nil {
		return nil
	}

	provider := &spinProvider{
		inner:   &zk.DNSHostProvider{},
		delay:   c.cfg.SpinDelay,
		retries: c.cfg.Retries,
		quit:    c.quit,
		onExhausted: func() {
			select {
			case c.errs <- ErrRetriesExhausted:
			default:
			}
		},
	}

	conn, zkEvents, err := zk.Connect(c.cfg.Servers, c.cfg.SessionTimeout,
		zk.WithHostProvider(provider),
		zk.WithLogger(printer{c.logger}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	c.conn = conn

	c.wg.Add(1)
	go c.forward(zkEvents)
	return nil
}

// Events implements coord.Client.
func (c *Client) Events() <-chan coord.Event {
	return c.events
}

// forward translates session events until Close.
func (c *Client) forward(zkEvents <-chan zk.Event) {
	defer c.wg.Done()
	defer close(c.events)

	for {
		select {
		case ev, ok := <-zkEvents:
			if !ok {
				zkEvents = nil
				continue
			}
			if ev.Type != zk.EventSession {
				continue
			}
			c.logger.Debug("zookeeper session event", "state", ev.State.String(), "server", ev.Server)
			for _, out := range translateSession(ev) {
				if !c.send(out) {
					return
				}
			}

		case err := <-c.errs:
			if !c.send(coord.Event{Type: coord.EventError, Err: err}) {
				return
			}

		case <-c.quit:
			c.events <- coord.Event{Type: coord.EventDisconnected}
			return
		}
	}
}

func (c *Client) send(ev coord.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		c.events <- coord.Event{Type: coord.EventDisconnected}
		return false
	}
}

// translateSession maps one ZooKeeper session event onto contract events.
func translateSession(ev zk.Event) []coord.Event {
	switch ev.State {
	case zk.StateHasSession:
		return []coord.Event{{Type: coord.EventConnected}}
	case zk.StateDisconnected:
		return []coord.Event{{Type: coord.EventDisconnected}}
	case zk.StateExpired:
		return []coord.Event{
			{Type: coord.EventDisconnected},
			{Type: coord.EventError, Err: mapError("session", "", zk.ErrSessionExpired)},
		}
	case zk.StateAuthFailed:
		return []coord.Event{{Type: coord.EventError, Err: mapError("session", "", zk.ErrAuthFailed)}}
	}
	if ev.Err != nil {
		return []coord.Event{{Type: coord.EventError, Err: ev.Err}}
	}
	return nil
}

// Create implements coord.Client.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (string, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return "", err
	}

	flags := int32(zk.FlagPersistent)
	if mode == coord.ModePersistentSequential {
		flags = zk.FlagSequence
	}

	created, err := conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", mapError("create", path, err)
	}
	return created, nil
}

// Children implements coord.Client.
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	names, _, err := conn.Children(path)
	if err != nil {
		return nil, mapError("children", path, err)
	}
	return names, nil
}

// ChildrenW implements coord.Client.
func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.WatchEvent, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return nil, nil, err
	}

	names, _, zch, err := conn.ChildrenW(path)
	if err != nil {
		return nil, nil, mapError("children", path, err)
	}

	out := make(chan coord.WatchEvent, 1)
	go func() {
		ev, ok := <-zch
		if !ok {
			out <- coord.WatchEvent{Type: coord.WatchSessionLost, Path: path}
			return
		}
		out <- translateWatch(ev, path)
	}()
	return names, out, nil
}

func translateWatch(ev zk.Event, path string) coord.WatchEvent {
	switch ev.Type {
	case zk.EventNodeChildrenChanged:
		return coord.WatchEvent{Type: coord.WatchChildrenChanged, Path: ev.Path}
	case zk.EventNodeDeleted:
		return coord.WatchEvent{Type: coord.WatchNodeDeleted, Path: ev.Path}
	default:
		return coord.WatchEvent{Type: coord.WatchSessionLost, Path: path}
	}
}

// Get implements coord.Client.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	data, _, err := conn.Get(path)
	if err != nil {
		return nil, mapError("get", path, err)
	}
	return data, nil
}

// Delete implements coord.Client. Any version is accepted.
func (c *Client) Delete(ctx context.Context, path string) error {
	conn, err := c.session(ctx)
	if err != nil {
		return err
	}

	if err := conn.Delete(path, -1); err != nil {
		return mapError("delete", path, err)
	}
	return nil
}

// Close ends the session. The event stream receives a final disconnect and
// is then closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	if conn == nil {
		c.wg.Add(1)
		go c.forward(nil)
	}
	close(c.quit)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// session returns the live connection or a contract error.
func (c *Client) session(ctx context.Context) (*zk.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return nil, coord.ErrClosed
	case c.conn == nil:
		return nil, coord.ErrNotConnected
	case c.conn.State() != zk.StateHasSession:
		return nil, coord.ErrNotConnected
	}
	return c.conn, nil
}

// mapError wraps a ZooKeeper error with the matching contract error. The
// native error stays in the chain.
func mapError(op, path string, err error) error {
	var target error
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		target = coord.ErrNodeExists
	case errors.Is(err, zk.ErrNoNode):
		target = coord.ErrNoNode
	case errors.Is(err, zk.ErrBadVersion):
		target = coord.ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		target = coord.ErrNotEmpty
	case errors.Is(err, zk.ErrClosing):
		target = coord.ErrClosed
	case errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionExpired):
		target = coord.ErrNotConnected
	default:
		return fmt.Errorf("zookeeper %s %s: %w", op, path, err)
	}
	return fmt.Errorf("zookeeper %s %s: %w: %w", op, path, target, err)
}

// printer routes the zk library's Printf logging into slog.
type printer struct {
	logger *slog.Logger
}

func (p printer) Printf(format string, args ...interface{}) {
	p.logger.Debug(fmt.Sprintf(format, args...))
}
