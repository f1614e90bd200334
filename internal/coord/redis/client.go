// Package redis implements the coordination contract on Redis.
//
// Each node is a string key holding its data plus a set of child names.
// Creates and deletes run as Lua scripts, so existence checks, sequence
// numbers and child sets change atomically. Every change to a node's child
// set is published on a per-node channel; child watches are one-message
// subscriptions on that channel.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"zkqueue-go/internal/coord"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key and channel. Default "zkq".
	KeyPrefix string

	// PingInterval is how often connectivity is checked. Default 1s.
	PingInterval time.Duration

	Logger *slog.Logger
}

// Key prefixes for the different data types.
const (
	prefixNode     = "node:"
	prefixChildren = "children:"
	prefixSeq      = "seq:"
	prefixWatch    = "watch:"
)

// Script error replies.
const (
	replyNoNode     = "NONODE"
	replyNodeExists = "NODEEXISTS"
	replyNotEmpty   = "NOTEMPTY"
)

// createScript creates a node, optionally appending the next sequence number
// of its parent, and announces it on the parent's channel.
//
// KEYS: parent node, parent children, parent seq.
// ARGV: path, data, sequential, parent is root, node key prefix, base name,
// parent channel.
var createScript = redis.NewScript(`
if ARGV[4] == "0" and redis.call("EXISTS", KEYS[1]) == 0 then
	return redis.error_reply("NONODE")
end
local path = ARGV[1]
local name = ARGV[6]
if ARGV[3] == "1" then
	local digits = tostring(redis.call("INCR", KEYS[3]) - 1)
	while #digits < 10 do
		digits = "0" .. digits
	end
	path = path .. digits
	name = name .. digits
end
if redis.call("SETNX", ARGV[5] .. path, ARGV[2]) == 0 then
	return redis.error_reply("NODEEXISTS")
end
redis.call("SADD", KEYS[2], name)
redis.call("PUBLISH", ARGV[7], name)
return path
`)

// deleteScript removes a childless node and announces it on the parent's
// channel.
//
// KEYS: node, node children, parent children.
// ARGV: name, parent channel.
var deleteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return redis.error_reply("NONODE")
end
if redis.call("SCARD", KEYS[2]) > 0 then
	return redis.error_reply("NOTEMPTY")
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[3], ARGV[1])
redis.call("PUBLISH", ARGV[2], ARGV[1])
return 1
`)

// childrenScript lists a node's children after checking the node exists.
//
// KEYS: node, node children. ARGV: is root.
var childrenScript = redis.NewScript(`
if ARGV[1] == "0" and redis.call("EXISTS", KEYS[1]) == 0 then
	return redis.error_reply("NONODE")
end
return redis.call("SMEMBERS", KEYS[2])
`)

// Client is a coord.Client backed by Redis.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	rdb    *redis.Client
	closed bool
	up     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	events chan coord.Event
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "zkq"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("backend", "redis"),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan coord.Event),
	}, nil
}

// Connect opens the connection pool and starts the health check loop. The
// connected event follows the first successful PING.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return coord.ErrClosed
	}
	if c.rdb != nil {
		return nil
	}

	c.rdb = redis.NewClient(&redis.Options{
		Addr:     c.cfg.Addr,
		Password: c.cfg.Password,
		DB:       c.cfg.DB,
	})

	go c.monitor(c.rdb)
	return nil
}

// Events implements coord.Client.
func (c *Client) Events() <-chan coord.Event {
	return c.events
}

// monitor pings Redis and reports connectivity changes. It owns the events
// channel and closes the pool on exit.
func (c *Client) monitor(rdb *redis.Client) {
	defer close(c.events)
	defer rdb.Close()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	reported := false
	for {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PingInterval)
		err := rdb.Ping(ctx).Err()
		cancel()

		var ev *coord.Event
		switch {
		case c.ctx.Err() != nil:
		case err == nil && !c.up.Load():
			c.up.Store(true)
			ev = &coord.Event{Type: coord.EventConnected}
		case err != nil && c.up.Load():
			c.up.Store(false)
			c.logger.Debug("redis ping failed", "error", err)
			ev = &coord.Event{Type: coord.EventDisconnected}
		case err != nil && !reported:
			ev = &coord.Event{Type: coord.EventError, Err: fmt.Errorf("failed to connect to redis: %w", err)}
		}
		if ev != nil {
			// A lost session was already reported as a disconnect; only a
			// fresh attempt raises an error.
			reported = ev.Type != coord.EventConnected
			select {
			case c.events <- *ev:
			case <-c.ctx.Done():
			}
		}

		select {
		case <-ticker.C:
		case <-c.ctx.Done():
			c.up.Store(false)
			c.events <- coord.Event{Type: coord.EventDisconnected}
			return
		}
	}
}

// Create implements coord.Client.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (string, error) {
	if err := coord.ValidatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("redis create /: %w", coord.ErrNodeExists)
	}
	rdb, err := c.session()
	if err != nil {
		return "", err
	}

	parent := coord.Parent(path)
	keys := []string{c.key(prefixNode, parent), c.key(prefixChildren, parent), c.key(prefixSeq, parent)}
	args := []interface{}{
		path,
		data,
		flag(mode == coord.ModePersistentSequential),
		flag(parent == "/"),
		c.cfg.KeyPrefix + ":" + prefixNode,
		coord.Base(path),
		c.key(prefixWatch, parent),
	}

	created, err := createScript.Run(ctx, rdb, keys, args...).Text()
	if err != nil {
		return "", mapError("create", path, err)
	}
	return created, nil
}

// Children implements coord.Client.
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	rdb, err := c.session()
	if err != nil {
		return nil, err
	}
	return c.children(ctx, rdb, path)
}

func (c *Client) children(ctx context.Context, rdb *redis.Client, path string) ([]string, error) {
	keys := []string{c.key(prefixNode, path), c.key(prefixChildren, path)}
	names, err := childrenScript.Run(ctx, rdb, keys, flag(path == "/")).StringSlice()
	if err != nil {
		return nil, mapError("children", path, err)
	}
	return names, nil
}

// ChildrenW implements coord.Client. The subscription is confirmed before
// the listing, so no change after the listing is missed.
func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.WatchEvent, error) {
	rdb, err := c.session()
	if err != nil {
		return nil, nil, err
	}

	ps := rdb.Subscribe(ctx, c.key(prefixWatch, path))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, mapError("watch", path, err)
	}

	names, err := c.children(ctx, rdb, path)
	if err != nil {
		ps.Close()
		return nil, nil, err
	}

	out := make(chan coord.WatchEvent, 1)
	msgs := ps.Channel()
	go func() {
		defer ps.Close()
		select {
		case _, ok := <-msgs:
			if ok {
				out <- coord.WatchEvent{Type: coord.WatchChildrenChanged, Path: path}
				return
			}
		case <-c.ctx.Done():
		}
		out <- coord.WatchEvent{Type: coord.WatchSessionLost, Path: path}
	}()

	return names, out, nil
}

// Get implements coord.Client.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	rdb, err := c.session()
	if err != nil {
		return nil, err
	}

	data, err := rdb.Get(ctx, c.key(prefixNode, path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis get %s: %w", path, coord.ErrNoNode)
		}
		return nil, mapError("get", path, err)
	}
	return data, nil
}

// Delete implements coord.Client.
func (c *Client) Delete(ctx context.Context, path string) error {
	if path == "/" {
		return fmt.Errorf("redis delete /: %w", coord.ErrInvalidPath)
	}
	rdb, err := c.session()
	if err != nil {
		return err
	}

	parent := coord.Parent(path)
	keys := []string{c.key(prefixNode, path), c.key(prefixChildren, path), c.key(prefixChildren, parent)}
	if err := deleteScript.Run(ctx, rdb, keys, coord.Base(path), c.key(prefixWatch, parent)).Err(); err != nil {
		return mapError("delete", path, err)
	}
	return nil
}

// Close stops the health check and releases the pool. The event stream ends
// with a disconnected event.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	if c.rdb == nil {
		go func() {
			c.events <- coord.Event{Type: coord.EventDisconnected}
			close(c.events)
		}()
	}
	return nil
}

func (c *Client) session() (*redis.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.closed:
		return nil, coord.ErrClosed
	case c.rdb == nil, !c.up.Load():
		return nil, coord.ErrNotConnected
	}
	return c.rdb, nil
}

func (c *Client) key(kind, path string) string {
	return c.cfg.KeyPrefix + ":" + kind + path
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// mapError turns script error replies into contract errors.
func mapError(op, path string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, replyNoNode):
		return fmt.Errorf("redis %s %s: %w", op, path, coord.ErrNoNode)
	case strings.Contains(msg, replyNodeExists):
		return fmt.Errorf("redis %s %s: %w", op, path, coord.ErrNodeExists)
	case strings.Contains(msg, replyNotEmpty):
		return fmt.Errorf("redis %s %s: %w", op, path, coord.ErrNotEmpty)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("redis %s %s: %w: %w", op, path, coord.ErrClosed, err)
	}
	return fmt.Errorf("redis %s %s: %w", op, path, err)
}
