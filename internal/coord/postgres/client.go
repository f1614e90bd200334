package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"zkqueue-go/internal/coord"
)

// uniqueViolation is the SQLSTATE for a duplicate primary key.
const uniqueViolation = "23505"

// Client is a coord.Client backed by PostgreSQL.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	pool   *pgxpool.Pool
	closed bool
	up     atomic.Bool

	wmu     sync.Mutex
	watches map[string][]chan coord.WatchEvent

	ctx    context.Context
	cancel context.CancelFunc
	events chan coord.Event
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" || cfg.Database == "" {
		return nil, errors.New("postgres host and database are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("backend", "postgres"),
		watches: make(map[string][]chan coord.WatchEvent),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan coord.Event),
	}, nil
}

// Connect creates the pool and starts the session loop. The connected event
// follows once migrations have run and the LISTEN connection is up.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return coord.ErrClosed
	}
	if c.pool != nil {
		return nil
	}

	pool, err := newPool(c.ctx, c.cfg)
	if err != nil {
		return err
	}
	c.pool = pool

	go c.run(pool)
	return nil
}

// Events implements coord.Client.
func (c *Client) Events() <-chan coord.Event {
	return c.events
}

// listener is one LISTEN connection and the goroutine reading it.
type listener struct {
	notes chan string
	errs  chan error

	cancel  context.CancelFunc
	done    chan struct{}
	release func()
}

// startListener runs wait in a goroutine until it fails or the listener is
// stopped, forwarding each payload on notes.
func startListener(parent context.Context, wait func(context.Context) (string, error), release func()) *listener {
	ctx, cancel := context.WithCancel(parent)
	l := &listener{
		notes:   make(chan string),
		errs:    make(chan error, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		release: release,
	}

	go func() {
		defer close(l.done)
		for {
			payload, err := wait(ctx)
			if err != nil {
				l.errs <- err
				return
			}
			select {
			case l.notes <- payload:
			case <-ctx.Done():
				l.errs <- ctx.Err()
				return
			}
		}
	}()
	return l
}

// stop ends the reader and releases the connection only after the reader
// has returned.
func (l *listener) stop() {
	l.cancel()
	<-l.done
	l.release()
}

// run owns the session: it (re)establishes the LISTEN connection, fans out
// notifications to watches and reports connectivity. It closes the events
// channel and the pool on exit.
func (c *Client) run(pool *pgxpool.Pool) {
	defer pool.Close()
	defer close(c.events)

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	var l *listener
	migrated := false
	reported := false

	down := func(err error) {
		if l != nil {
			l.stop()
			l = nil
		}
		if c.up.Swap(false) {
			// The disconnect covers the failed attempts that follow.
			reported = true
			c.logger.Debug("postgres session lost", "error", err)
			c.dropWatches()
			c.emit(coord.Event{Type: coord.EventDisconnected})
		}
	}

	for {
		if l == nil {
			var err error
			if !migrated {
				err = runMigrations(c.ctx, pool)
				migrated = err == nil
			}
			if err == nil {
				l, err = c.listen(pool)
			}
			switch {
			case err == nil:
				reported = false
				c.up.Store(true)
				c.emit(coord.Event{Type: coord.EventConnected})
			case c.ctx.Err() == nil && !reported:
				reported = true
				c.emit(coord.Event{Type: coord.EventError, Err: fmt.Errorf("failed to connect to postgres: %w", err)})
			}
		}

		var notes chan string
		var errs chan error
		if l != nil {
			notes, errs = l.notes, l.errs
		}

		select {
		case parent := <-notes:
			c.fire(parent)

		case err := <-errs:
			down(err)

		case <-ticker.C:
			if l == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PingInterval)
			err := pool.Ping(ctx)
			cancel()
			if err != nil {
				down(err)
			}

		case <-c.ctx.Done():
			if l != nil {
				l.stop()
			}
			c.up.Store(false)
			c.dropWatches()
			c.events <- coord.Event{Type: coord.EventDisconnected}
			return
		}
	}
}

// listen acquires a dedicated connection, subscribes to the notification
// channel and starts reading from it.
func (c *Client) listen(pool *pgxpool.Pool) (*listener, error) {
	conn, err := pool.Acquire(c.ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(c.ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, err
	}

	wait := func(ctx context.Context) (string, error) {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return "", err
		}
		return n.Payload, nil
	}
	// The connection still has LISTEN active, so it never goes back to the
	// pool.
	discard := func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PingInterval)
		defer cancel()
		_ = conn.Hijack().Close(ctx)
	}
	return startListener(c.ctx, wait, discard), nil
}

func (c *Client) emit(ev coord.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// fire delivers a child change to every watch on parent.
func (c *Client) fire(parent string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for _, ch := range c.watches[parent] {
		ch <- coord.WatchEvent{Type: coord.WatchChildrenChanged, Path: parent}
	}
	delete(c.watches, parent)
}

func (c *Client) dropWatches() {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for path, chs := range c.watches {
		for _, ch := range chs {
			ch <- coord.WatchEvent{Type: coord.WatchSessionLost, Path: path}
		}
	}
	c.watches = make(map[string][]chan coord.WatchEvent)
}

// Create implements coord.Client.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (string, error) {
	if err := coord.ValidatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("postgres create /: %w", coord.ErrNodeExists)
	}
	pool, err := c.session()
	if err != nil {
		return "", err
	}

	parent := coord.Parent(path)
	actual := path

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if parent != "/" {
			var one int
			err := tx.QueryRow(ctx, `SELECT 1 FROM zkq_nodes WHERE path = $1 FOR SHARE`, parent).Scan(&one)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("parent: %w", coord.ErrNoNode)
			}
			if err != nil {
				return err
			}
		}

		if mode == coord.ModePersistentSequential {
			var seq int64
			err := tx.QueryRow(ctx, `
				INSERT INTO zkq_sequences (parent, next) VALUES ($1, 1)
				ON CONFLICT (parent) DO UPDATE SET next = zkq_sequences.next + 1
				RETURNING next - 1`, parent).Scan(&seq)
			if err != nil {
				return err
			}
			actual = sequentialName(path, seq)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO zkq_nodes (path, parent, name, data) VALUES ($1, $2, $3, $4)`,
			actual, parent, coord.Base(actual), data,
		); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, parent)
		return err
	})
	if err != nil {
		return "", mapError("create", path, err)
	}
	return actual, nil
}

func sequentialName(path string, seq int64) string {
	return fmt.Sprintf("%s%010d", path, seq)
}

// Children implements coord.Client.
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	pool, err := c.session()
	if err != nil {
		return nil, err
	}

	if path != "/" {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM zkq_nodes WHERE path = $1)`, path).Scan(&exists); err != nil {
			return nil, mapError("children", path, err)
		}
		if !exists {
			return nil, fmt.Errorf("postgres children %s: %w", path, coord.ErrNoNode)
		}
	}

	rows, err := pool.Query(ctx, `SELECT name FROM zkq_nodes WHERE parent = $1`, path)
	if err != nil {
		return nil, mapError("children", path, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError("children", path, err)
	}
	return names, nil
}

// ChildrenW implements coord.Client. The watch is registered before the
// listing, so no change after the listing is missed.
func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.WatchEvent, error) {
	if _, err := c.session(); err != nil {
		return nil, nil, err
	}

	ch := make(chan coord.WatchEvent, 1)
	c.wmu.Lock()
	c.watches[path] = append(c.watches[path], ch)
	c.wmu.Unlock()

	names, err := c.Children(ctx, path)
	if err != nil {
		c.unwatch(path, ch)
		return nil, nil, err
	}
	return names, ch, nil
}

func (c *Client) unwatch(path string, ch chan coord.WatchEvent) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	chs := c.watches[path]
	for i, w := range chs {
		if w == ch {
			c.watches[path] = append(chs[:i], chs[i+1:]...)
			break
		}
	}
	if len(c.watches[path]) == 0 {
		delete(c.watches, path)
	}
}

// Get implements coord.Client.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	pool, err := c.session()
	if err != nil {
		return nil, err
	}

	var data []byte
	err = pool.QueryRow(ctx, `SELECT data FROM zkq_nodes WHERE path = $1`, path).Scan(&data)
	if err != nil {
		return nil, mapError("get", path, err)
	}
	return data, nil
}

// Delete implements coord.Client. Concurrent deletes of the same row
// serialize on the row lock; only the first affects a row.
func (c *Client) Delete(ctx context.Context, path string) error {
	if path == "/" {
		return fmt.Errorf("postgres delete /: %w", coord.ErrInvalidPath)
	}
	pool, err := c.session()
	if err != nil {
		return err
	}

	parent := coord.Parent(path)
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM zkq_nodes
			WHERE path = $1
			AND NOT EXISTS (SELECT 1 FROM zkq_nodes c WHERE c.parent = $1)`, path)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM zkq_nodes WHERE path = $1)`, path).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return coord.ErrNotEmpty
			}
			return coord.ErrNoNode
		}

		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, parent)
		return err
	})
	if err != nil {
		return mapError("delete", path, err)
	}
	return nil
}

// Close stops the session loop, which releases the LISTEN connection and
// closes the pool. The event stream ends with a disconnected event.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	if c.pool == nil {
		go func() {
			c.events <- coord.Event{Type: coord.EventDisconnected}
			close(c.events)
		}()
	}
	return nil
}

func (c *Client) session() (*pgxpool.Pool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.closed:
		return nil, coord.ErrClosed
	case c.pool == nil, !c.up.Load():
		return nil, coord.ErrNotConnected
	}
	return c.pool, nil
}

// mapError turns driver errors into contract errors.
func mapError(op, path string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, coord.ErrNoNode), errors.Is(err, coord.ErrNotEmpty):
		return fmt.Errorf("postgres %s %s: %w", op, path, err)
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("postgres %s %s: %w", op, path, coord.ErrNoNode)
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return fmt.Errorf("postgres %s %s: %w: %w", op, path, coord.ErrNodeExists, err)
	}
	return fmt.Errorf("postgres %s %s: %w", op, path, err)
}
