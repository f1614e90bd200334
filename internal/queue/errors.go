package queue

import "errors"

// Errors returned by producers and consumers.
var (
	// ErrMissingPath is returned by constructors when Options.Path is empty.
	ErrMissingPath = errors.New(`missing required "path"`)

	// ErrNotConnected is returned by Enqueue before the connect event or
	// while the session is down. Writes are never buffered.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned after End or Destroy.
	ErrClosed = errors.New("queue is closed")

	// ErrNilPayload is returned when enqueueing nil.
	ErrNilPayload = errors.New("payload is nil")
)
