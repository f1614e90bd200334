// Package memory provides an in-process implementation of the coordination
// contract. It is useful for testing and development without a running
// ZooKeeper, etcd, Redis or PostgreSQL.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"zkqueue-go/internal/coord"
)

// Op names a coordination operation, for hooks and fault injection.
type Op string

const (
	OpCreate   Op = "create"
	OpChildren Op = "children"
	OpGet      Op = "get"
	OpDelete   Op = "delete"
)

// Hook is called before an operation is applied. It runs without any lock
// held, so it may itself use other clients of the same server.
type Hook func(op Op, path string)

// Server is a shared, in-memory node tree. Every Client created from the same
// Server sees the same namespace, like several processes talking to one
// ZooKeeper ensemble. It is safe for concurrent use.
type Server struct {
	mu      sync.Mutex
	nodes   map[string]*node
	watches map[string][]*watch
	hook    Hook
}

// node is one entry in the tree.
type node struct {
	data     []byte
	children map[string]struct{}
	// seq is the next sequence number handed to a sequential child.
	seq uint64
}

// watch is a registered one-shot child watch.
type watch struct {
	ch    chan coord.WatchEvent
	owner *Client
}

// NewServer creates an empty tree containing only "/".
func NewServer() *Server {
	return &Server{
		nodes: map[string]*node{
			"/": {children: make(map[string]struct{})},
		},
		watches: make(map[string][]*watch),
	}
}

// SetHook installs a hook called before every operation. Pass nil to remove.
func (s *Server) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func (s *Server) runHook(op Op, path string) {
	s.mu.Lock()
	h := s.hook
	s.mu.Unlock()
	if h != nil {
		h(op, path)
	}
}

// NewClient creates a session against this server. The session is not
// connected until Connect is called.
func (s *Server) NewClient() *Client {
	return newClient(s)
}

func (s *Server) create(path string, data []byte, mode coord.CreateMode) (string, error) {
	if err := coord.ValidatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("create %s: %w", path, coord.ErrNodeExists)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parentPath := coord.Parent(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", fmt.Errorf("create %s: parent: %w", path, coord.ErrNoNode)
	}

	actual := path
	if mode == coord.ModePersistentSequential {
		actual = fmt.Sprintf("%s%010d", path, parent.seq)
		parent.seq++
	}
	if _, exists := s.nodes[actual]; exists {
		return "", fmt.Errorf("create %s: %w", actual, coord.ErrNodeExists)
	}

	s.nodes[actual] = &node{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
	}
	parent.children[coord.Base(actual)] = struct{}{}
	s.fireLocked(parentPath, coord.WatchChildrenChanged)

	return actual, nil
}

func (s *Server) children(path string, w *watch) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", path, coord.ErrNoNode)
	}

	// Map order is deliberately left random; callers must sort.
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}

	if w != nil {
		s.watches[path] = append(s.watches[path], w)
	}
	return names, nil
}

func (s *Server) get(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, coord.ErrNoNode)
	}
	return append([]byte(nil), n.data...), nil
}

func (s *Server) delete(path string) error {
	if path == "/" {
		return fmt.Errorf("delete /: %w", coord.ErrInvalidPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return fmt.Errorf("delete %s: %w", path, coord.ErrNoNode)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("delete %s: %w", path, coord.ErrNotEmpty)
	}

	delete(s.nodes, path)
	parentPath := coord.Parent(path)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, coord.Base(path))
	}

	s.fireLocked(path, coord.WatchNodeDeleted)
	s.fireLocked(parentPath, coord.WatchChildrenChanged)
	return nil
}

// fireLocked delivers an event to every watch on path and unregisters them.
func (s *Server) fireLocked(path string, typ coord.WatchEventType) {
	for _, w := range s.watches[path] {
		w.ch <- coord.WatchEvent{Type: typ, Path: path}
	}
	delete(s.watches, path)
}

// dropWatches fires SessionLost on every watch owned by c.
func (s *Server) dropWatches(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, ws := range s.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.owner == c {
				w.ch <- coord.WatchEvent{Type: coord.WatchSessionLost, Path: path}
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(s.watches, path)
		} else {
			s.watches[path] = kept
		}
	}
}

// --- Test Helpers ---

// Exists reports whether path is present.
func (s *Server) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[path]
	return ok
}

// ChildNames returns the sorted child names of path, or nil if it is missing.
func (s *Server) ChildNames(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WatchCount returns how many watches are registered on path.
func (s *Server) WatchCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches[path])
}
