// Package coord defines the contract the queue recipe consumes from a
// hierarchical, watch-capable coordination service (ZooKeeper-like).
// Implementations live in the sub-packages (memory, zookeeper, etcd, redis,
// postgres) and can be swapped without changing the recipe.
package coord

import (
	"context"
)

// EventType identifies a session lifecycle event.
type EventType int

const (
	// EventConnected is delivered whenever the session becomes usable,
	// including after a reconnect.
	EventConnected EventType = iota
	// EventDisconnected is delivered when the session drops or is closed.
	EventDisconnected
	// EventError carries a session-level failure.
	EventError
)

// String returns the lower-case name of the event type.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a session lifecycle notification.
type Event struct {
	Type EventType
	Err  error
}

// CreateMode selects how a node is created.
type CreateMode int

const (
	// ModePersistent creates a durable node with the exact name given.
	ModePersistent CreateMode = iota
	// ModePersistentSequential creates a durable node whose name is the given
	// path followed by a monotonically increasing counter assigned by the
	// service.
	ModePersistentSequential
)

// WatchEventType describes what a child watch observed.
type WatchEventType int

const (
	// WatchChildrenChanged fires when a child is created or deleted.
	WatchChildrenChanged WatchEventType = iota
	// WatchNodeDeleted fires when the watched node itself is deleted.
	WatchNodeDeleted
	// WatchSessionLost fires when the watch can no longer be honoured.
	WatchSessionLost
)

// WatchEvent is delivered at most once on the channel returned by ChildrenW.
type WatchEvent struct {
	Type WatchEventType
	Path string
}

// Client is a session with a coordination service.
//
// Lifecycle events are delivered on Events. A Client is owned by exactly one
// queue instance unless the caller injects it on purpose.
type Client interface {
	// Connect starts establishing the session. It returns immediately;
	// EventConnected is delivered on Events once the session is usable.
	Connect() error

	// Events returns the lifecycle event stream. It is closed after Close
	// has delivered the final EventDisconnected.
	Events() <-chan Event

	// Create creates a node and returns its actual path, which differs from
	// path for sequential nodes. Returns ErrNodeExists if the node exists and
	// ErrNoNode if the parent is missing.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)

	// Children lists the names of the immediate children of path.
	Children(ctx context.Context, path string) ([]string, error)

	// ChildrenW lists the children of path and registers a one-shot watch
	// that fires on the next change to the child set.
	ChildrenW(ctx context.Context, path string) ([]string, <-chan WatchEvent, error)

	// Get returns the data stored at path, or ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete atomically removes path. Returns ErrNoNode if it is already gone.
	Delete(ctx context.Context, path string) error

	// Close ends the session.
	Close() error
}
