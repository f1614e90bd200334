// Package etcd implements the coordination contract on etcd v3.
//
// Nodes are keys under <namespace>/nodes, so "/jobs/queue-0000000003" is
// stored at "<namespace>/nodes/jobs/queue-0000000003". Sequence numbers come
// from a per-parent counter key under <namespace>/seq, advanced in the same
// transaction that creates the child. Child watches are prefix watches that
// start right after the revision of the listing.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"zkqueue-go/internal/coord"
)

// Config holds the etcd connection settings.
type Config struct {
	Endpoints   []string
	Namespace   string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Client is a coord.Client backed by an etcd cluster.
type Client struct {
	cfg    Config
	keys   keyspace
	logger *slog.Logger

	mu     sync.RWMutex
	cli    *clientv3.Client
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	events chan coord.Event
	wg     sync.WaitGroup
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints cannot be empty")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "/zkqueue"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		keys:   keyspace{namespace: strings.TrimSuffix(cfg.Namespace, "/")},
		logger: cfg.Logger.With("backend", "etcd"),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan coord.Event),
	}, nil
}

// Connect dials the cluster and starts following the gRPC connection state.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return coord.ErrClosed
	}
	if c.cli != nil {
		return nil
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   c.cfg.Endpoints,
		DialTimeout: c.cfg.DialTimeout,
		Context:     c.ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to create etcd client: %w", err)
	}
	c.cli = cli

	c.wg.Add(1)
	go c.monitor(cli.ActiveConnection())
	return nil
}

// Events implements coord.Client.
func (c *Client) Events() <-chan coord.Event {
	return c.events
}

// monitor turns gRPC connectivity changes into connected and disconnected
// events. It owns the events channel.
func (c *Client) monitor(conn *grpc.ClientConn) {
	defer c.wg.Done()
	defer close(c.events)

	connected := false
	for {
		state := conn.GetState()
		up := connected
		switch state {
		case connectivity.Ready:
			up = true
		case connectivity.TransientFailure, connectivity.Shutdown:
			up = false
		case connectivity.Idle:
			conn.Connect()
		}

		if up != connected {
			connected = up
			typ := coord.EventDisconnected
			if up {
				typ = coord.EventConnected
			}
			c.logger.Debug("etcd connectivity changed", "state", state.String())
			select {
			case c.events <- coord.Event{Type: typ}:
			case <-c.ctx.Done():
			}
		}

		if !conn.WaitForStateChange(c.ctx, state) {
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
		return "", fmt.Errorf("etcd create /: %w", coord.ErrNodeExists)
	}
	cli, err := c.session()
	if err != nil {
		return "", err
	}

	if mode == coord.ModePersistentSequential {
		return c.createSequential(ctx, cli, path, data)
	}

	key := c.keys.node(path)
	cmps := append(c.parentExists(path), clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
	resp, err := cli.Txn(ctx).If(cmps...).Then(clientv3.OpPut(key, string(data))).Commit()
	if err != nil {
		return "", mapError("create", path, err)
	}
	if resp.Succeeded {
		return path, nil
	}
	return "", c.createFailure(ctx, cli, path, key)
}

func (c *Client) createSequential(ctx context.Context, cli *clientv3.Client, path string, data []byte) (string, error) {
	parent := coord.Parent(path)
	seqKey := c.keys.seq(parent)

	for {
		resp, err := cli.Get(ctx, seqKey)
		if err != nil {
			return "", mapError("create", path, err)
		}

		var next uint64
		var version int64
		if len(resp.Kvs) > 0 {
			next, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return "", fmt.Errorf("etcd create %s: corrupt sequence counter: %w", path, err)
			}
			version = resp.Kvs[0].Version
		}

		actual := fmt.Sprintf("%s%010d", path, next)
		key := c.keys.node(actual)
		cmps := append(c.parentExists(path),
			clientv3.Compare(clientv3.Version(seqKey), "=", version),
			clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
		)

		txn, err := cli.Txn(ctx).If(cmps...).Then(
			clientv3.OpPut(seqKey, strconv.FormatUint(next+1, 10)),
			clientv3.OpPut(key, string(data)),
		).Commit()
		if err != nil {
			return "", mapError("create", path, err)
		}
		if txn.Succeeded {
			return actual, nil
		}

		if parent != "/" {
			ok, err := c.exists(ctx, cli, c.keys.node(parent))
			if err != nil {
				return "", mapError("create", path, err)
			}
			if !ok {
				return "", fmt.Errorf("etcd create %s: parent: %w", path, coord.ErrNoNode)
			}
		}
		// Another writer advanced the counter first.
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}

// createFailure explains a failed create transaction.
func (c *Client) createFailure(ctx context.Context, cli *clientv3.Client, path, key string) error {
	ok, err := c.exists(ctx, cli, key)
	if err != nil {
		return mapError("create", path, err)
	}
	if ok {
		return fmt.Errorf("etcd create %s: %w", path, coord.ErrNodeExists)
	}
	return fmt.Errorf("etcd create %s: parent: %w", path, coord.ErrNoNode)
}

func (c *Client) parentExists(path string) []clientv3.Cmp {
	parent := coord.Parent(path)
	if parent == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(c.keys.node(parent)), ">", 0)}
}

func (c *Client) exists(ctx context.Context, cli *clientv3.Client, key string) (bool, error) {
	resp, err := cli.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

// Children implements coord.Client.
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	names, _, err := c.children(ctx, path)
	return names, err
}

// children lists the immediate children of path and returns the revision of
// the listing.
func (c *Client) children(ctx context.Context, path string) ([]string, int64, error) {
	cli, err := c.session()
	if err != nil {
		return nil, 0, err
	}

	prefix := c.keys.children(path)
	resp, err := cli.Txn(ctx).Then(
		clientv3.OpGet(c.keys.node(path), clientv3.WithCountOnly()),
		clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, 0, mapError("children", path, err)
	}

	if path != "/" && resp.Responses[0].GetResponseRange().Count == 0 {
		return nil, 0, fmt.Errorf("etcd children %s: %w", path, coord.ErrNoNode)
	}

	var names []string
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		if name, ok := immediateChild(prefix, string(kv.Key)); ok {
			names = append(names, name)
		}
	}
	return names, resp.Header.Revision, nil
}

// ChildrenW implements coord.Client.
func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.WatchEvent, error) {
	names, rev, err := c.children(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	cli, err := c.session()
	if err != nil {
		return nil, nil, err
	}

	prefix := c.keys.children(path)
	wctx, cancel := context.WithCancel(c.ctx)
	wch := cli.Watch(wctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))

	out := make(chan coord.WatchEvent, 1)
	go func() {
		defer cancel()

		for resp := range wch {
			if resp.Canceled || resp.Err() != nil {
				break
			}
			for _, ev := range resp.Events {
				if _, ok := immediateChild(prefix, string(ev.Kv.Key)); !ok {
					continue
				}
				if ev.IsCreate() || ev.Type == mvccpb.DELETE {
					out <- coord.WatchEvent{Type: coord.WatchChildrenChanged, Path: path}
					return
				}
			}
		}
		out <- coord.WatchEvent{Type: coord.WatchSessionLost, Path: path}
	}()

	return names, out, nil
}

// Get implements coord.Client.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	cli, err := c.session()
	if err != nil {
		return nil, err
	}

	resp, err := cli.Get(ctx, c.keys.node(path))
	if err != nil {
		return nil, mapError("get", path, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("etcd get %s: %w", path, coord.ErrNoNode)
	}
	return resp.Kvs[0].Value, nil
}

// Delete implements coord.Client. Only the first of several concurrent
// deletes of the same node succeeds.
func (c *Client) Delete(ctx context.Context, path string) error {
	if path == "/" {
		return fmt.Errorf("etcd delete /: %w", coord.ErrInvalidPath)
	}
	cli, err := c.session()
	if err != nil {
		return err
	}

	kids, err := cli.Get(ctx, c.keys.children(path), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return mapError("delete", path, err)
	}
	if kids.Count > 0 {
		return fmt.Errorf("etcd delete %s: %w", path, coord.ErrNotEmpty)
	}

	resp, err := cli.Delete(ctx, c.keys.node(path))
	if err != nil {
		return mapError("delete", path, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("etcd delete %s: %w", path, coord.ErrNoNode)
	}
	return nil
}

// Close stops the monitor and watches, then closes the etcd client in the
// background. The event stream ends with a disconnected event.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cli := c.cli
	c.mu.Unlock()

	c.cancel()
	if cli == nil {
		go func() {
			c.events <- coord.Event{Type: coord.EventDisconnected}
			close(c.events)
		}()
		return nil
	}

	// The monitor delivers the final event; the client is closed once it has.
	go func() {
		c.wg.Wait()
		if err := cli.Close(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("failed to close etcd client", "error", err)
		}
	}()
	return nil
}

func (c *Client) session() (*clientv3.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.closed:
		return nil, coord.ErrClosed
	case c.cli == nil:
		return nil, coord.ErrNotConnected
	}
	return c.cli, nil
}

func mapError(op, path string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("etcd %s %s: %w: %w", op, path, coord.ErrClosed, err)
	}
	return fmt.Errorf("etcd %s %s: %w", op, path, err)
}

// keyspace maps node paths to etcd keys.
type keyspace struct {
	namespace string
}

func (k keyspace) node(path string) string {
	if path == "/" {
		return k.namespace + "/nodes"
	}
	return k.namespace + "/nodes" + path
}

func (k keyspace) children(path string) string {
	return k.node(path) + "/"
}

func (k keyspace) seq(parent string) string {
	if parent == "/" {
		return k.namespace + "/seq"
	}
	return k.namespace + "/seq" + parent
}

// immediateChild returns the child name when key is exactly one level below
// prefix.
func immediateChild(prefix, key string) (string, bool) {
	name, ok := strings.CutPrefix(key, prefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
