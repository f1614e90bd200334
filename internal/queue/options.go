package queue

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"zkqueue-go/internal/coord"
	"zkqueue-go/internal/coord/zookeeper"
)

// Defaults used when dialing ZooKeeper directly.
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 2181
	DefaultSessionTimeout = 30 * time.Second
	DefaultSpinDelay      = 5 * time.Second
	DefaultRetries        = 12
	DefaultHighWaterMark  = 16
)

// Listener receives the public lifecycle events of a Producer or Consumer.
// Callbacks run on the instance's own goroutine, one at a time, and must
// not block.
type Listener struct {
	// OnConnect fires once the root is ensured on a (re)established session.
	OnConnect func()

	// OnError fires for session errors, root creation failures and claim
	// failures that are not contention.
	OnError func(err error)

	// OnClose fires after End/Destroy once the session has disconnected.
	OnClose func()
}

// Options configures a Producer or Consumer.
type Options struct {
	// Path is the queue root, e.g. "/jobs". Required.
	Path string

	// Prefix and Width define item names. Defaults: "queue-" and 10.
	Prefix string
	Width  int

	// Client is a pre-built coordination client. When nil, a ZooKeeper
	// client is dialed from Host, Port, SessionTimeout, SpinDelay and
	// Retries. An injected client is closed by End/Destroy like an owned one.
	Client coord.Client

	Host           string
	Port           int
	SessionTimeout time.Duration
	SpinDelay      time.Duration
	Retries        int

	// OperationTimeout bounds each coordination call. Defaults to the
	// session timeout.
	OperationTimeout time.Duration

	// HighWaterMark is how many claimed items a Consumer buffers before it
	// pauses claiming.
	HighWaterMark int

	// Logger receives debug and info logs. Use LogFunc to adapt a
	// (level, message) callback. Defaults to discarding.
	Logger *slog.Logger

	Listener Listener

	// ID identifies the instance in logs and metrics. Defaults to a UUID.
	ID string
}

// withDefaults validates o and fills in defaults.
func (o Options) withDefaults() (Options, error) {
	if o.Path == "" {
		return o, ErrMissingPath
	}
	if err := coord.ValidatePath(o.Path); err != nil {
		return o, fmt.Errorf("invalid queue path: %w", err)
	}

	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.SpinDelay <= 0 {
		o.SpinDelay = DefaultSpinDelay
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = o.SessionTimeout
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return o, nil
}

// codec returns the SequenceCodec described by o.
func (o Options) codec() SequenceCodec {
	return SequenceCodec{Prefix: o.Prefix, Width: o.Width}
}

// client returns the injected client or dials ZooKeeper.
func (o Options) client() (coord.Client, error) {
	if o.Client != nil {
		return o.Client, nil
	}
	return zookeeper.New(zookeeper.Config{
		Servers:        []string{net.JoinHostPort(o.Host, strconv.Itoa(o.Port))},
		SessionTimeout: o.SessionTimeout,
		SpinDelay:      o.SpinDelay,
		Retries:        o.Retries,
		Logger:         o.Logger,
	})
}
