package coord

import "errors"

// Errors every backend maps its native failures onto.
var (
	ErrNodeExists   = errors.New("node already exists")
	ErrNoNode       = errors.New("node does not exist")
	ErrBadVersion   = errors.New("node version mismatch")
	ErrNotEmpty     = errors.New("node has children")
	ErrNotConnected = errors.New("not connected to coordination service")
	ErrClosed       = errors.New("coordination client is closed")
	ErrInvalidPath  = errors.New("invalid node path")
)

// IsContention reports whether err means another party removed or changed a
// node first. Such failures are expected while consumers race for items.
func IsContention(err error) bool {
	return errors.Is(err, ErrNoNode) || errors.Is(err, ErrBadVersion)
}
