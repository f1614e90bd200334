package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zkqueue-go/internal/coord"
	"zkqueue-go/internal/metrics"
)

// State is the connection state of a Producer or Consumer.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedUnensured
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedUnensured:
		return "connected_unensured"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type lifecycleEvent int

const (
	evConnected lifecycleEvent = iota
	evDisconnected
	evError
	evRootEnsured
	evRootFailed
	evCloseRequested
)

type effect int

const (
	effEnsureRoot effect = iota
	effEmitConnect
	effEmitError
	effEmitClose
	effStartSubscription
	effCloseClient
)

// session is the state the transition function works on.
type session struct {
	state       State
	rootEnsured bool
	// subscribes is set for consumers.
	subscribes bool
}

// transition is the connection state machine. It has no side effects; the
// caller executes the returned effects in order.
func transition(s session, ev lifecycleEvent) (session, []effect) {
	terminal := s.state == StateClosing || s.state == StateClosed

	switch ev {
	case evConnected:
		if terminal {
			return s, nil
		}
		if !s.rootEnsured {
			s.state = StateConnectedUnensured
			return s, []effect{effEnsureRoot}
		}
		s.state = StateConnected
		return s, s.connectEffects()

	case evRootEnsured:
		s.rootEnsured = true
		if s.state != StateConnectedUnensured {
			return s, nil
		}
		s.state = StateConnected
		return s, s.connectEffects()

	case evRootFailed:
		if terminal {
			return s, nil
		}
		return s, []effect{effEmitError}

	case evDisconnected:
		switch s.state {
		case StateClosed:
			return s, nil
		case StateClosing:
			s.state = StateClosed
			return s, []effect{effEmitClose}
		default:
			s.state = StateDisconnected
			return s, nil
		}

	case evError:
		if s.state == StateClosed {
			return s, nil
		}
		return s, []effect{effEmitError}

	case evCloseRequested:
		if terminal {
			return s, nil
		}
		s.state = StateClosing
		return s, []effect{effCloseClient}
	}
	return s, nil
}

func (s session) connectEffects() []effect {
	if s.subscribes {
		return []effect{effEmitConnect, effStartSubscription}
	}
	return []effect{effEmitConnect}
}

// lifecycle is the part shared by Producer and Consumer: it owns the client,
// the session state and the listener callbacks.
type lifecycle struct {
	opts   Options
	role   string
	client coord.Client
	logger *slog.Logger

	// onSubscribe runs the startSubscription effect. Nil for producers.
	onSubscribe func()
	// onRelease drops role-specific references to client. It runs on the
	// instance goroutine.
	onRelease func()

	mu          sync.Mutex
	sess        session
	connectedCh chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newLifecycle(opts Options, role string) (*lifecycle, error) {
	client, err := opts.client()
	if err != nil {
		return nil, fmt.Errorf("failed to create coordination client: %w", err)
	}

	return &lifecycle{
		opts:   opts,
		role:   role,
		client: client,
		logger: opts.Logger.With(
			slog.String("role", role),
			slog.String("id", opts.ID),
			slog.String("path", opts.Path),
		),
		sess:        session{state: StateDisconnected, subscribes: role == roleConsumer},
		connectedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

const (
	roleProducer = "producer"
	roleConsumer = "consumer"
)

// connect asks the client to start its session.
func (l *lifecycle) connect() error {
	l.mu.Lock()
	l.sess.state = StateConnecting
	l.mu.Unlock()

	client, err := l.current()
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// handleClientEvent feeds one coordination client event into the state
// machine. It must only be called from the instance goroutine.
func (l *lifecycle) handleClientEvent(ev coord.Event) {
	switch ev.Type {
	case coord.EventConnected:
		l.logger.Debug("session connected")
		l.dispatch(evConnected, nil)
	case coord.EventDisconnected:
		l.logger.Debug("session disconnected")
		l.dispatch(evDisconnected, nil)
	case coord.EventError:
		l.dispatch(evError, ev.Err)
	}
}

// dispatch runs one transition and executes its effects. err is the payload
// of error-carrying events.
func (l *lifecycle) dispatch(ev lifecycleEvent, err error) {
	l.mu.Lock()
	prev := l.sess.state
	next, effects := transition(l.sess, ev)
	l.sess = next
	l.updateConnectedLocked(prev, next.state)
	l.mu.Unlock()

	for _, eff := range effects {
		l.run(eff, err)
	}
}

func (l *lifecycle) updateConnectedLocked(prev, next State) {
	if prev == next {
		return
	}
	switch {
	case next == StateConnected:
		close(l.connectedCh)
		metrics.Connected.WithLabelValues(l.role).Set(1)
	case prev == StateConnected:
		l.connectedCh = make(chan struct{})
		metrics.Connected.WithLabelValues(l.role).Set(0)
	}
}

func (l *lifecycle) run(eff effect, err error) {
	switch eff {
	case effEnsureRoot:
		if err := l.ensureRoot(); err != nil {
			l.dispatch(evRootFailed, err)
			return
		}
		l.dispatch(evRootEnsured, nil)

	case effEmitConnect:
		l.logger.Info("queue connected")
		metrics.LifecycleEventsTotal.WithLabelValues(l.role, "connect").Inc()
		if fn := l.opts.Listener.OnConnect; fn != nil {
			fn()
		}

	case effEmitError:
		l.emitError(err)

	case effEmitClose:
		l.logger.Info("queue closed")
		metrics.LifecycleEventsTotal.WithLabelValues(l.role, "close").Inc()
		if fn := l.opts.Listener.OnClose; fn != nil {
			fn()
		}
		l.release()
		l.closeOnce.Do(func() { close(l.done) })

	case effStartSubscription:
		if l.onSubscribe != nil {
			l.onSubscribe()
		}

	case effCloseClient:
		client, err := l.current()
		if err != nil {
			return
		}
		if err := client.Close(); err != nil {
			l.logger.Debug("failed to close coordination client", "error", err)
		}
	}
}

func (l *lifecycle) emitError(err error) {
	if err == nil {
		return
	}
	l.logger.Debug("queue error", "error", err)
	metrics.LifecycleEventsTotal.WithLabelValues(l.role, "error").Inc()
	if fn := l.opts.Listener.OnError; fn != nil {
		fn(err)
	}
}

// ensureRoot creates the queue root and any missing ancestors. An existing
// node counts as success at every level.
func (l *lifecycle) ensureRoot() error {
	if l.opts.Path == "/" {
		return nil
	}
	client, err := l.current()
	if err != nil {
		return err
	}

	for _, p := range append(coord.Ancestors(l.opts.Path), l.opts.Path) {
		ctx, cancel := l.opContext()
		_, err := client.Create(ctx, p, nil, coord.ModePersistent)
		cancel()
		if err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return fmt.Errorf("failed to create queue root %s: %w", p, err)
		}
	}

	l.logger.Debug("queue root ensured")
	return nil
}

// requestClose moves the instance to Closing and closes the client. It is
// safe to call from any goroutine and more than once.
func (l *lifecycle) requestClose() {
	l.dispatch(evCloseRequested, nil)
}

// finish is called when the client's event stream ends. A stream that ends
// without a final disconnect still has to release waiters.
func (l *lifecycle) finish() {
	l.mu.Lock()
	l.sess.state = StateClosed
	l.mu.Unlock()
	l.release()
	l.closeOnce.Do(func() { close(l.done) })
}

// release drops the session reference once the client has closed. It must
// only be called from the instance goroutine.
func (l *lifecycle) release() {
	l.mu.Lock()
	l.client = nil
	l.mu.Unlock()
	if l.onRelease != nil {
		l.onRelease()
	}
}

// current returns the coordination client, or ErrClosed once it has been
// released.
func (l *lifecycle) current() (coord.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, ErrClosed
	}
	return l.client, nil
}

func (l *lifecycle) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), l.opts.OperationTimeout)
}

// State returns the current connection state.
func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.state
}

// Connected reports whether the session is up and the root is ensured.
func (l *lifecycle) Connected() bool {
	return l.State() == StateConnected
}

func (l *lifecycle) closing() bool {
	s := l.State()
	return s == StateClosing || s == StateClosed
}

// WaitConnected blocks until the instance is connected, the context ends or
// the instance is closed.
func (l *lifecycle) WaitConnected(ctx context.Context) error {
	for {
		l.mu.Lock()
		state := l.sess.state
		ch := l.connectedCh
		l.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateClosing, StateClosed:
			return ErrClosed
		}

		select {
		case <-ch:
		case <-l.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed after the close event has fired.
func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}
